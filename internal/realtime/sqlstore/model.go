package sqlstore

// recordRow is one document in a collection.
type recordRow struct {
	Collection     string `gorm:"column:collection;primaryKey;size:190;not null"`
	Key            string `gorm:"column:record_key;primaryKey;size:190;not null"`
	ValueJSON      string `gorm:"column:value_json;type:text;not null"`
	ServerTimeMsec int64  `gorm:"column:server_ts_ms;not null"`
}

func (recordRow) TableName() string {
	return "realtime_records"
}

// directiveRow arms deletion of a record when its connection ends.
type directiveRow struct {
	ConnectionID string `gorm:"column:connection_id;primaryKey;size:64;not null"`
	Collection   string `gorm:"column:collection;primaryKey;size:190;not null"`
	Key          string `gorm:"column:record_key;primaryKey;size:190;not null"`
}

func (directiveRow) TableName() string {
	return "realtime_directives"
}

// connectionRow tracks liveness; a row past its expiry belongs to a dropped connection.
type connectionRow struct {
	ConnectionID  string `gorm:"column:connection_id;primaryKey;size:64;not null"`
	ExpiresAtMsec int64  `gorm:"column:expires_at_ms;not null;index"`
}

func (connectionRow) TableName() string {
	return "realtime_connections"
}

// Models lists the tables the store needs migrated.
func Models() []any {
	return []any{&recordRow{}, &directiveRow{}, &connectionRow{}}
}

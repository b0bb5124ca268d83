package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/auth"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/chat"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/presence"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/realtime"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/server"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/typing"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/users"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := bootstrap(signalCtx)
	if err != nil {
		return err
	}
	defer application.Close()
	appConfig := application.config
	logger := application.logger

	store, err := application.openRealtimeStore(signalCtx)
	if err != nil {
		return err
	}
	realtimeClient, err := realtime.NewClient(realtime.ClientConfig{
		Store:             store,
		DisconnectTimeout: appConfig.Realtime.DisconnectTimeout,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	reaper, err := realtime.NewReaper(realtime.ReaperConfig{
		Store:    store,
		Interval: appConfig.Realtime.ReapInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	// typing records and chat messages are written through this connection; if the process
	// dies its typing records expire with it
	serverConn, err := realtimeClient.Connect(signalCtx)
	if err != nil {
		return err
	}

	presenceService, err := presence.NewService(presence.Config{Feed: realtimeClient, Logger: logger})
	if err != nil {
		return err
	}
	coordinator, err := typing.NewCoordinator(typing.Config{
		Writer:      serverConn,
		Feed:        realtimeClient,
		IdleTimeout: appConfig.Typing.IdleTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	chatStream, err := chat.NewStream(chat.Config{
		Feed:    realtimeClient,
		Gateway: application.gateway,
		Typing:  coordinator,
		Assistant: chat.Author{
			ID:     appConfig.Chat.AssistantID,
			Handle: appConfig.Chat.AssistantHandle,
		},
		MentionPrefix:    appConfig.Chat.MentionPrefix,
		ContextWindow:    appConfig.Chat.ContextWindow,
		ResponderEnabled: appConfig.Chat.ResponderEnabled,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}
	profiles, err := users.NewService(users.ServiceConfig{Database: application.db})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:        sessions,
		Profiles:        profiles,
		Mode:            application.mode,
		Gateway:         application.gateway,
		Realtime:        realtimeClient,
		ServerConn:      serverConn,
		Presence:        presenceService,
		Typing:          coordinator,
		Chat:            chatStream,
		Library:         application.library,
		Refresher:       application.refresher,
		AllowedOrigins:  appConfig.AllowedOrigins,
		ResponderAdmins: appConfig.Chat.ResponderAdmins,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// streams end with the process instead of holding Shutdown open
		BaseContext: func(net.Listener) context.Context {
			return groupCtx
		},
	}

	group.Go(func() error {
		reaper.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		coordinator.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("realtime_backend", appConfig.Realtime.Backend),
			zap.String("service_mode", application.mode.Current().String()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := serverConn.Close(shutdownCtx); err != nil {
			logger.Warn("server realtime session close failed", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

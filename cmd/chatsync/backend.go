// cmd/chatsync/backend.go

package main

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/imadgeboyega/kiekky-chatsync/internal/common/database"
	"github.com/imadgeboyega/kiekky-chatsync/internal/config"
	"github.com/imadgeboyega/kiekky-chatsync/internal/messaging"
)

// stack is everything a command needs from the outside world
type stack struct {
	backend  messaging.Backend
	profiles messaging.ProfileSource
	blobs    messaging.BlobStore
	closers  []func()
}

func (s *stack) deps() messaging.CoordinatorDeps {
	return messaging.CoordinatorDeps{
		Feed:     s.backend,
		History:  s.backend,
		Writer:   s.backend,
		Profiles: s.profiles,
		Blobs:    s.blobs,
	}
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func coordinatorConfig(cfg *config.Config) messaging.CoordinatorConfig {
	return messaging.CoordinatorConfig{
		PageSize:      cfg.PageSize,
		FlushInterval: cfg.FlushInterval,
		Images: messaging.ImagePipeline{
			MaxBytes:     cfg.MaxImageSize,
			MaxDimension: cfg.ImageMaxDimension,
		},
	}
}

func buildStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	s := &stack{}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	switch cfg.ChatBackend {
	case config.BackendMemory:
		s.backend = messaging.NewMemoryBackend()

	case config.BackendFirestore:
		b, err := messaging.NewFirestoreBackend(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentials)
		if err != nil {
			return nil, err
		}
		s.backend = b

	case config.BackendPostgres:
		db, err := database.NewPostgresDBFromURL(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { db.Close() })

		pub, sub, err := feedTransport(ctx, cfg, s)
		if err != nil {
			return nil, err
		}
		s.backend = messaging.NewPostgresBackend(db, pub, sub)

	default:
		return nil, errors.Errorf("unknown backend %q", cfg.ChatBackend)
	}
	backend := s.backend
	s.closers = append(s.closers, func() {
		if err := backend.Close(); err != nil {
			log.Warn().Err(err).Msg("closing backend")
		}
	})

	s.profiles = s.backend
	if cfg.RedisURL != "" {
		client, err := database.NewRedisClientFromURL(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, profile cache disabled")
		} else {
			s.closers = append(s.closers, func() { client.Close() })
			s.profiles = messaging.NewCachedProfileSource(s.backend, client, cfg.ProfileCacheTTL)
		}
	}

	if cfg.UseS3 {
		sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.AWSRegion)})
		if err != nil {
			return nil, errors.Wrap(err, "create AWS session")
		}
		s.blobs = messaging.NewS3BlobStore(sess, cfg.S3BucketName, cfg.CDNURL)
	} else {
		s.blobs = messaging.NewLocalBlobStore(cfg.LocalUploadDir, cfg.BaseURL)
	}

	log.Info().
		Str("backend", cfg.ChatBackend).
		Bool("profile_cache", s.profiles != messaging.ProfileSource(s.backend)).
		Bool("s3", cfg.UseS3).
		Msg("chat stack ready")
	ok = true
	return s, nil
}

func feedTransport(ctx context.Context, cfg *config.Config, s *stack) (message.Publisher, message.Subscriber, error) {
	if cfg.FeedTransport != config.TransportRedisStream {
		pub, sub := messaging.NewGoChannelPubSub()
		return pub, sub, nil
	}
	client, err := database.NewStreamClient(ctx, cfg.FeedRedisAddr)
	if err != nil {
		return nil, nil, err
	}
	s.closers = append(s.closers, func() { client.Close() })
	return messaging.NewRedisStreamPubSub(client)
}

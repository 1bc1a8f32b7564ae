package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/socmind/socmind/internal/bus"
	"github.com/socmind/socmind/internal/chat"
	"github.com/socmind/socmind/internal/config"
	"github.com/socmind/socmind/internal/group"
	"github.com/socmind/socmind/internal/timeline"
)

// runtime is the storage and transport every command that touches chats needs.
type runtime struct {
	broker bus.Broker
	store  *timeline.Service
	topo   *group.Manager
	coord  *chat.Coordinator
}

func openBroker(cfg config.BrokerConfig) bus.Broker {
	if cfg.Driver == config.BrokerMemory {
		slog.Warn("Using the in-process broker; chat traffic is not durable")
		return bus.NewMemoryBroker()
	}
	return bus.NewKafkaBroker(bus.KafkaConfig{
		Brokers:           cfg.KafkaBrokers,
		ReplicationFactor: cfg.ReplicationFactor,
		WriteTimeout:      10 * time.Second,
	})
}

func openStore(cfg config.StoreConfig) (*timeline.Service, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return timeline.Open(cfg.Driver, cfg.Path)
}

// openRuntime opens the store and broker and rebuilds the chat directory.
func openRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	store, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	broker := openBroker(cfg.Broker)
	topo := group.NewManager(broker, group.Options{
		TopicPrefix:   cfg.Broker.TopicPrefix,
		MaxDeliveries: cfg.Broker.MaxDeliveries,
	})
	coord := chat.NewCoordinator(store, topo)
	if err := coord.Load(ctx); err != nil {
		broker.Close()
		store.Close()
		return nil, fmt.Errorf("load chats: %w", err)
	}
	return &runtime{broker: broker, store: store, topo: topo, coord: coord}, nil
}

func (r *runtime) Close() error {
	return errors.Join(r.broker.Close(), r.store.Close())
}

// ensureMember creates a member row when it is missing. Existing rows keep
// their name and instructions.
func ensureMember(ctx context.Context, store *timeline.Service, id, kind string) error {
	_, err := store.GetMember(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, timeline.ErrNotFound) {
		return err
	}
	return store.UpsertMember(ctx, &timeline.Member{ID: id, Name: id, Kind: kind})
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

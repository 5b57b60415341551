package plugin

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/hearthhq/hearth/pkg/observability"
)

// LifecycleChannel is the Redis pub/sub channel lifecycle broadcasts
// travel on.
const LifecycleChannel = "hearth:plugin-lifecycle"

// clusterMessage is one broadcast lifecycle change.
type clusterMessage struct {
	NodeID string `json:"node_id"`
	Key    string `json:"key"`
	Action string `json:"action"` // "enable" or "disable"
}

// ClusterSynchronizer propagates enable/disable across host nodes
// sharing a Redis. Local transitions publish to LifecycleChannel;
// messages from sibling nodes are applied idempotently, so nodes
// converge even when a broadcast races a local operation.
type ClusterSynchronizer struct {
	client   *redis.Client
	registry *Registry
	log      *observability.Logger

	nodeID string
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewClusterSynchronizer creates a synchronizer. It does nothing until
// Start.
func NewClusterSynchronizer(client *redis.Client, registry *Registry, log *observability.Logger) *ClusterSynchronizer {
	return &ClusterSynchronizer{
		client:   client,
		registry: registry,
		log:      log,
		nodeID:   uuid.NewString(),
	}
}

// Start subscribes to the lifecycle channel and begins publishing local
// transitions.
func (c *ClusterSynchronizer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pubsub = c.client.Subscribe(ctx, LifecycleChannel)
	// Force the subscription to be established before we return, so a
	// transition right after Start is not lost.
	if _, err := c.pubsub.Receive(ctx); err != nil {
		cancel()
		return err
	}

	c.registry.AddListener(func(e Event) {
		switch {
		case e.To == StateActive:
			c.publish(ctx, e.Key, "enable")
		case e.From == StateStopping && e.To == StateResolved:
			c.publish(ctx, e.Key, "disable")
		}
	})

	go c.consume(ctx)
	c.log.Infof("Cluster synchronizer %s subscribed to %s", c.nodeID, LifecycleChannel)
	return nil
}

// Stop unsubscribes and halts the consumer.
func (c *ClusterSynchronizer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.pubsub != nil {
		_ = c.pubsub.Close()
	}
}

func (c *ClusterSynchronizer) publish(ctx context.Context, key, action string) {
	payload, err := json.Marshal(clusterMessage{NodeID: c.nodeID, Key: key, Action: action})
	if err != nil {
		return
	}
	if err := c.client.Publish(ctx, LifecycleChannel, payload).Err(); err != nil {
		c.log.WithError(err).WithPlugin(key).Warn("Failed to broadcast lifecycle change")
	}
}

func (c *ClusterSynchronizer) consume(ctx context.Context) {
	ch := c.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.apply(ctx, msg.Payload)
		}
	}
}

func (c *ClusterSynchronizer) apply(ctx context.Context, payload string) {
	var msg clusterMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		c.log.WithError(err).Warn("Discarding malformed cluster message")
		return
	}
	if msg.NodeID == c.nodeID {
		return
	}

	var err error
	switch msg.Action {
	case "enable":
		err = c.registry.Enable(ctx, msg.Key)
		// Already active locally: the cluster is converged.
		if errors.Is(err, ErrInvalidLifecycleTransition) {
			err = nil
		}
	case "disable":
		err = c.registry.Disable(ctx, msg.Key)
	default:
		c.log.Warnf("Discarding cluster message with unknown action %q", msg.Action)
		return
	}

	// A plugin installed on the sibling but not here is not an error
	// condition for this node.
	if err != nil && !errors.Is(err, ErrPluginNotFound) {
		c.log.WithError(err).WithPlugin(msg.Key).Warn("Failed to apply cluster lifecycle change")
	}
}

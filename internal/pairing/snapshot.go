package pairing

import (
	"context"

	"github.com/driftchat/drift/internal/presence"
	"github.com/driftchat/drift/internal/realtime"
)

// lobbyTopic is the presence channel the engine reads before each round.
const lobbyTopic = "lobby"

// PoolSnapshotter reads presence through the channel pool: open a
// presence-enabled channel, wait for the subscription to confirm, read the
// state, release the channel. Each snapshot is a fresh channel so the engine
// holds no long-lived subscription between rounds.
type PoolSnapshotter struct {
	pool     *realtime.Pool
	clientID string
	policy   realtime.RetryPolicy
}

// NewPoolSnapshotter creates a snapshotter using the given pool client.
func NewPoolSnapshotter(pool *realtime.Pool, clientID string, policy realtime.RetryPolicy) *PoolSnapshotter {
	return &PoolSnapshotter{pool: pool, clientID: clientID, policy: policy}
}

// Snapshot implements Snapshotter. The caller bounds ctx; retry exhaustion
// or cancellation surface as an error the engine treats as an empty snapshot.
func (ps *PoolSnapshotter) Snapshot(ctx context.Context) (presence.Snapshot, error) {
	ch, err := ps.pool.CreateChannelWithRetry(ctx, ps.clientID, lobbyTopic, realtime.ChannelConfig{
		Presence:    true,
		PresenceKey: ps.clientID,
	}, ps.policy)
	if err != nil {
		return nil, err
	}
	defer ps.pool.RemoveChannel(ps.clientID, ch)

	return ch.PresenceState(ctx)
}

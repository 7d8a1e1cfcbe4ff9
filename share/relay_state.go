package prshare

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// hostPresenceTTL is how long a host presence record lives without a
// refresh. The relay refreshes records for hosts it is holding, so only a
// crashed relay instance leaves records to expire.
const hostPresenceTTL = 60 * time.Second

// HostPresence records one online host of a tunnel
type HostPresence struct {
	TunnelID string    `json:"tunnelId"`
	HostID   string    `json:"hostId"`
	Seen     time.Time `json:"seen"`
}

// PresenceStore tracks which tunnels have hosts online. The in-memory
// backend serves a single relay instance; the Redis backend lets a fleet of
// relay instances report consistent endpoint sets, though pairing itself is
// always instance-local.
type PresenceStore interface {
	// AddHost records that a host is online for a tunnel
	AddHost(ctx context.Context, presence HostPresence) error

	// RemoveHost removes one host record
	RemoveHost(ctx context.Context, tunnelID string, hostID string) error

	// RefreshHost extends the liveness of a host record
	RefreshHost(ctx context.Context, tunnelID string, hostID string) error

	// ListHosts returns the hosts currently online for a tunnel
	ListHosts(ctx context.Context, tunnelID string) ([]HostPresence, error)

	Close() error
}

// NewPresenceStore selects a backend: an empty redisAddr selects the
// in-memory store
func NewPresenceStore(logger Logger, redisAddr string, redisPassword string, redisDB int) (PresenceStore, error) {
	if redisAddr == "" {
		logger.ILogf("Presence store: in-memory")
		return newMemoryPresenceStore(), nil
	}
	logger.ILogf("Presence store: redis at %s", redisAddr)
	return newRedisPresenceStore(logger, redisAddr, redisPassword, redisDB)
}

type memoryPresenceStore struct {
	mu    sync.Mutex
	hosts map[string]map[string]HostPresence
}

func newMemoryPresenceStore() *memoryPresenceStore {
	return &memoryPresenceStore{hosts: make(map[string]map[string]HostPresence)}
}

func (m *memoryPresenceStore) AddHost(ctx context.Context, presence HostPresence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byHost := m.hosts[presence.TunnelID]
	if byHost == nil {
		byHost = make(map[string]HostPresence)
		m.hosts[presence.TunnelID] = byHost
	}
	presence.Seen = time.Now()
	byHost[presence.HostID] = presence
	return nil
}

func (m *memoryPresenceStore) RemoveHost(ctx context.Context, tunnelID string, hostID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byHost := m.hosts[tunnelID]; byHost != nil {
		delete(byHost, hostID)
		if len(byHost) == 0 {
			delete(m.hosts, tunnelID)
		}
	}
	return nil
}

func (m *memoryPresenceStore) RefreshHost(ctx context.Context, tunnelID string, hostID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byHost := m.hosts[tunnelID]; byHost != nil {
		if presence, ok := byHost[hostID]; ok {
			presence.Seen = time.Now()
			byHost[hostID] = presence
		}
	}
	return nil
}

func (m *memoryPresenceStore) ListHosts(ctx context.Context, tunnelID string) ([]HostPresence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byHost := m.hosts[tunnelID]
	result := make([]HostPresence, 0, len(byHost))
	for _, presence := range byHost {
		result = append(result, presence)
	}
	return result, nil
}

func (m *memoryPresenceStore) Close() error {
	return nil
}

// redisPresenceStore keys one record per host with a TTL, plus a set of host
// IDs per tunnel for listing. Records a crashed instance left behind expire
// on their own; the set is pruned lazily on list.
type redisPresenceStore struct {
	logger Logger
	client *redis.Client
}

func newRedisPresenceStore(logger Logger, addr string, password string, db int) (*redisPresenceStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, logger.Errorf("redis connection failed: %s", err)
	}
	return &redisPresenceStore{logger: logger, client: client}, nil
}

func presenceKey(tunnelID string, hostID string) string {
	return "portrelay:host:" + tunnelID + ":" + hostID
}

func presenceSetKey(tunnelID string) string {
	return "portrelay:hosts:" + tunnelID
}

func (r *redisPresenceStore) AddHost(ctx context.Context, presence HostPresence) error {
	presence.Seen = time.Now()
	data, err := json.Marshal(presence)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, presenceKey(presence.TunnelID, presence.HostID), data, hostPresenceTTL)
	pipe.SAdd(ctx, presenceSetKey(presence.TunnelID), presence.HostID)
	if _, err := pipe.Exec(ctx); err != nil {
		return r.logger.DLogErrorf("Could not record host presence: %s", err)
	}
	return nil
}

func (r *redisPresenceStore) RemoveHost(ctx context.Context, tunnelID string, hostID string) error {
	pipe := r.client.Pipeline()
	pipe.Del(ctx, presenceKey(tunnelID, hostID))
	pipe.SRem(ctx, presenceSetKey(tunnelID), hostID)
	if _, err := pipe.Exec(ctx); err != nil {
		return r.logger.DLogErrorf("Could not remove host presence: %s", err)
	}
	return nil
}

func (r *redisPresenceStore) RefreshHost(ctx context.Context, tunnelID string, hostID string) error {
	return r.client.Expire(ctx, presenceKey(tunnelID, hostID), hostPresenceTTL).Err()
}

func (r *redisPresenceStore) ListHosts(ctx context.Context, tunnelID string) ([]HostPresence, error) {
	hostIDs, err := r.client.SMembers(ctx, presenceSetKey(tunnelID)).Result()
	if err != nil {
		return nil, r.logger.DLogErrorf("Could not list hosts: %s", err)
	}
	result := make([]HostPresence, 0, len(hostIDs))
	for _, hostID := range hostIDs {
		val, err := r.client.Get(ctx, presenceKey(tunnelID, hostID)).Result()
		if err == redis.Nil {
			// record expired; prune the set entry
			r.client.SRem(ctx, presenceSetKey(tunnelID), hostID)
			continue
		}
		if err != nil {
			return nil, r.logger.DLogErrorf("Could not read host presence: %s", err)
		}
		presence := HostPresence{}
		if err := json.Unmarshal([]byte(val), &presence); err != nil {
			r.logger.WLogf("Malformed presence record for %s/%s: %s", tunnelID, hostID, err)
			continue
		}
		result = append(result, presence)
	}
	return result, nil
}

func (r *redisPresenceStore) Close() error {
	return r.client.Close()
}

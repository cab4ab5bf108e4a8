package storemaster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// RegionState is the assignment state of one table region.
type RegionState string

const (
	RegionOnline  RegionState = "ONLINE"
	RegionOffline RegionState = "OFFLINE"
)

// RegionInfo describes one region of a table.
type RegionInfo struct {
	Table    string      `json:"table"`
	Name     string      `json:"name"`
	StartKey string      `json:"startKey,omitempty"`
	EndKey   string      `json:"endKey,omitempty"`
	State    RegionState `json:"state"`
}

// IsOffline reports whether the region currently needs assignment.
func (r RegionInfo) IsOffline() bool {
	return r.State == RegionOffline
}

// Catalog is the region-metadata surface the table lifecycle path reads.
type Catalog interface {
	// TableExists reports whether the table is known to the cluster.
	TableExists(ctx context.Context, table string) (bool, error)

	// TableRegions enumerates all regions of the table.
	TableRegions(ctx context.Context, table string) ([]RegionInfo, error)
}

// AssignmentManager receives region assignment requests. The full assignment
// state machine lives outside this package; the table-enable path only issues
// the narrow assign call.
type AssignmentManager interface {
	Assign(ctx context.Context, region RegionInfo) error
}

// KVCatalog stores region metadata in a JetStream KV bucket under
// "tables.<table>.<region>" keys.
type KVCatalog struct {
	kv jetstream.KeyValue
}

// NewKVCatalog wraps a JetStream KV bucket as a Catalog.
func NewKVCatalog(kv jetstream.KeyValue) *KVCatalog {
	return &KVCatalog{kv: kv}
}

func regionKey(table, region string) string {
	return fmt.Sprintf("tables.%s.%s", table, region)
}

func assignSubject(clusterID, table, region string) string {
	return fmt.Sprintf("%s.assign.%s.%s", clusterID, table, region)
}

// PutRegion stores or updates one region entry.
func (c *KVCatalog) PutRegion(ctx context.Context, region RegionInfo) error {
	data, err := json.Marshal(region)
	if err != nil {
		return err
	}
	if _, err := c.kv.Put(ctx, regionKey(region.Table, region.Name), data); err != nil {
		return fmt.Errorf("failed to store region %s: %w", region.Name, err)
	}
	return nil
}

// TableExists implements Catalog.
func (c *KVCatalog) TableExists(ctx context.Context, table string) (bool, error) {
	keys, err := c.tableKeys(ctx, table)
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

// TableRegions implements Catalog.
func (c *KVCatalog) TableRegions(ctx context.Context, table string) ([]RegionInfo, error) {
	keys, err := c.tableKeys(ctx, table)
	if err != nil {
		return nil, err
	}

	regions := make([]RegionInfo, 0, len(keys))
	for _, key := range keys {
		entry, err := c.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to read region %s: %w", key, err)
		}
		var region RegionInfo
		if err := json.Unmarshal(entry.Value(), &region); err != nil {
			return nil, fmt.Errorf("invalid region entry %s: %w", key, err)
		}
		regions = append(regions, region)
	}
	return regions, nil
}

func (c *KVCatalog) tableKeys(ctx context.Context, table string) ([]string, error) {
	keys, err := c.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list catalog keys: %w", err)
	}

	prefix := fmt.Sprintf("tables.%s.", table)
	var matched []string
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

// NATSAssignmentManager publishes assignment requests on per-region NATS
// subjects; region servers subscribe and perform the actual assignment.
type NATSAssignmentManager struct {
	nc        *nats.Conn
	clusterID string
	nodeID    string
	log       *slog.Logger
}

// NewNATSAssignmentManager creates an assignment publisher.
func NewNATSAssignmentManager(nc *nats.Conn, clusterID, nodeID string, log *slog.Logger) *NATSAssignmentManager {
	if log == nil {
		log = slog.Default()
	}
	return &NATSAssignmentManager{nc: nc, clusterID: clusterID, nodeID: nodeID, log: log}
}

// Assign implements AssignmentManager.
func (a *NATSAssignmentManager) Assign(ctx context.Context, region RegionInfo) error {
	data, err := json.Marshal(region)
	if err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: assignSubject(a.clusterID, region.Table, region.Name),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set("X-Node", a.nodeID)

	if err := a.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to request assignment of region %s: %w", region.Name, err)
	}
	a.log.Debug("assignment requested", "table", region.Table, "region", region.Name)
	return nil
}

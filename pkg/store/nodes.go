package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// MaxRecentMetrics bounds the number of rows ListRecentMetrics returns.
const MaxRecentMetrics = 300

// NodeWithStats is one node plus the aggregates the dashboard roster
// needs: publish counts, the newest metric, and the inventory record.
type NodeWithStats struct {
	ID            string          `json:"id"`
	Name          *string         `json:"name"`
	LastSeenAt    *time.Time      `json:"last_seen_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	PublishCount  int64           `json:"publish_count"`
	LastPublishAt *time.Time      `json:"last_publish_at"`
	LatestMetric  *Metric         `json:"latest_metric"`
	SystemInfo    *SystemInfoStat `json:"system_info"`
}

// SystemInfoStat is the inventory slice of a roster entry.
type SystemInfoStat struct {
	Hash       string          `json:"hash"`
	ReportedTS int64           `json:"reported_ts"`
	Info       json.RawMessage `json:"info"`
}

func (s *store) CreateNode(ctx context.Context, node *Node) error {
	if err := s.db.WithContext(ctx).Create(node).Error; err != nil {
		return fmt.Errorf("creating node: %w", err)
	}

	return nil
}

func (s *store) FindNodeByID(ctx context.Context, id string) (*Node, error) {
	var node Node
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&node).Error; err != nil {
		return nil, fmt.Errorf("finding node: %w", notFound(err))
	}

	return &node, nil
}

func (s *store) UpdateNodeName(ctx context.Context, id string, name *string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&Node{}).
		Where("id = ?", id).
		Update("name", name)
	if res.Error != nil {
		return false, fmt.Errorf("updating node name: %w", res.Error)
	}

	return res.RowsAffected > 0, nil
}

func (s *store) DeleteNodeByID(ctx context.Context, id string) (bool, error) {
	var affected int64

	// Metrics and system info cascade inside the same transaction so a
	// concurrent ingest never observes an orphaned child row.
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("node_id = ?", id).
			Delete(&Metric{}).Error; err != nil {
			return fmt.Errorf("deleting node metrics: %w", err)
		}

		if err := tx.Where("node_id = ?", id).
			Delete(&NodeSystemInfo{}).Error; err != nil {
			return fmt.Errorf("deleting node system info: %w", err)
		}

		res := tx.Where("id = ?", id).Delete(&Node{})
		if res.Error != nil {
			return fmt.Errorf("deleting node: %w", res.Error)
		}

		affected = res.RowsAffected

		return nil
	})
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

// AppendMetric commits one metric row and advances the node's last-seen
// timestamp in a single transaction. Returns ErrNotFound when the node
// does not exist; the ingest path drops those samples with a warning.
func (s *store) AppendMetric(ctx context.Context, metric *Metric) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Node{}).
			Where("id = ?", metric.NodeID).
			Update("last_seen_at", time.UnixMilli(metric.TS).UTC())
		if res.Error != nil {
			return fmt.Errorf("touching node: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			return fmt.Errorf("appending metric: %w", ErrNotFound)
		}

		if err := tx.Create(metric).Error; err != nil {
			return fmt.Errorf("appending metric: %w", err)
		}

		return nil
	})
}

// ListRecentMetrics returns the newest rows for a node, oldest first.
// The limit is clamped to [1, MaxRecentMetrics].
func (s *store) ListRecentMetrics(ctx context.Context, nodeID string, limit int) ([]Metric, error) {
	if limit < 1 {
		limit = 1
	}

	if limit > MaxRecentMetrics {
		limit = MaxRecentMetrics
	}

	var metrics []Metric
	if err := s.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("ts DESC, id DESC").
		Limit(limit).
		Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("listing recent metrics: %w", err)
	}

	// Newest-first from the index, reversed for chart consumption.
	for i, j := 0, len(metrics)-1; i < j; i, j = i+1, j-1 {
		metrics[i], metrics[j] = metrics[j], metrics[i]
	}

	return metrics, nil
}

// UpsertSystemInfo stores a new inventory payload when the hash differs,
// otherwise only bumps the node's last-seen timestamp. Both paths run in
// one transaction. The returned bool reports whether the payload changed.
func (s *store) UpsertSystemInfo(
	ctx context.Context, nodeID, hash, payload string, reportedTS int64,
) (bool, error) {
	changed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Node{}).
			Where("id = ?", nodeID).
			Update("last_seen_at", time.UnixMilli(reportedTS).UTC())
		if res.Error != nil {
			return fmt.Errorf("touching node: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			return fmt.Errorf("upserting system info: %w", ErrNotFound)
		}

		var existing NodeSystemInfo

		err := tx.Where("node_id = ?", nodeID).First(&existing).Error
		switch {
		case err == nil:
			if existing.Hash == hash {
				return nil
			}

			if err := tx.Model(&NodeSystemInfo{}).
				Where("node_id = ?", nodeID).
				Updates(map[string]any{
					"hash":        hash,
					"payload":     payload,
					"reported_ts": reportedTS,
				}).Error; err != nil {
				return fmt.Errorf("updating system info: %w", err)
			}

			changed = true

			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&NodeSystemInfo{
				NodeID:     nodeID,
				Hash:       hash,
				Payload:    payload,
				ReportedTS: reportedTS,
			}).Error; err != nil {
				return fmt.Errorf("inserting system info: %w", err)
			}

			changed = true

			return nil
		default:
			return fmt.Errorf("loading system info: %w", err)
		}
	})
	if err != nil {
		return false, err
	}

	return changed, nil
}

// snapshotConcurrency bounds the per-node aggregate queries a single
// snapshot build may run at once.
const snapshotConcurrency = 8

// ListNodesWithStats builds the roster snapshot: every node with its
// publish count, newest metric, and inventory, ordered newest node
// first. Per-node aggregates load concurrently on the pool.
func (s *store) ListNodesWithStats(ctx context.Context) ([]NodeWithStats, error) {
	var nodes []Node
	if err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}

	out := make([]NodeWithStats, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(snapshotConcurrency)

	for i := range nodes {
		g.Go(func() error {
			entry, err := s.loadNodeStats(gctx, &nodes[i])
			if err != nil {
				return err
			}

			out[i] = *entry

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

func (s *store) loadNodeStats(ctx context.Context, node *Node) (*NodeWithStats, error) {
	entry := &NodeWithStats{
		ID:         node.ID,
		Name:       node.Name,
		LastSeenAt: node.LastSeenAt,
		CreatedAt:  node.CreatedAt,
		UpdatedAt:  node.UpdatedAt,
	}

	if err := s.db.WithContext(ctx).
		Model(&Metric{}).
		Where("node_id = ?", node.ID).
		Count(&entry.PublishCount).Error; err != nil {
		return nil, fmt.Errorf("counting metrics: %w", err)
	}

	if entry.PublishCount > 0 {
		var latest Metric
		if err := s.db.WithContext(ctx).
			Where("node_id = ?", node.ID).
			Order("ts DESC, id DESC").
			First(&latest).Error; err != nil {
			return nil, fmt.Errorf("loading latest metric: %w", err)
		}

		entry.LatestMetric = &latest
		entry.LastPublishAt = &latest.CreatedAt
	}

	var info NodeSystemInfo

	err := s.db.WithContext(ctx).
		Where("node_id = ?", node.ID).
		First(&info).Error
	switch {
	case err == nil:
		entry.SystemInfo = &SystemInfoStat{
			Hash:       info.Hash,
			ReportedTS: info.ReportedTS,
			Info:       json.RawMessage(info.Payload),
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		// Node has not reported inventory yet.
	default:
		return nil, fmt.Errorf("loading system info: %w", err)
	}

	return entry, nil
}

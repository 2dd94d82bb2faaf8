package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/caldog20/fleetcore/control/server/internal/ipam"
	"github.com/caldog20/fleetcore/control/server/internal/node"
	"github.com/caldog20/fleetcore/control/server/internal/protocol"
)

type SqlStore struct {
	db *gorm.DB
}

// NewSqlStore opens the sqlite database at path (":memory:" is accepted) and
// migrates the nodes and ip_pool tables. The pool is limited to a single
// connection so write transactions serialize instead of failing with
// SQLITE_BUSY.
func NewSqlStore(path string) (*SqlStore, error) {
	if path == "" {
		return nil, errors.New("sqlite db file path required")
	}

	db, err := gorm.Open(
		sqlite.Open(path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(1)"),
		&gorm.Config{
			TranslateError: true,
			NowFunc:        func() time.Time { return time.Now().UTC() },
			Logger: logger.New(logrus.StandardLogger(), logger.Config{
				SlowThreshold:             500 * time.Millisecond,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
			}),
		})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	err = db.AutoMigrate(&node.Node{}, &ipam.IPResource{})
	if err != nil {
		return nil, err
	}

	return &SqlStore{db: db}, nil
}

func (s *SqlStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *SqlStore) GetNodes(ctx context.Context, filter NodeFilter) ([]node.Node, error) {
	q := s.db.WithContext(ctx).Order("id ASC")
	if filter.Country != "" {
		q = q.Where("country = ?", filter.Country)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}

	var nodes []node.Node
	if err := q.Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *SqlStore) GetNodeByID(ctx context.Context, id uint64) (*node.Node, error) {
	var n node.Node
	if err := s.db.WithContext(ctx).First(&n, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

func (s *SqlStore) GetNodeByCode(ctx context.Context, code string) (*node.Node, error) {
	var n node.Node
	if err := s.db.WithContext(ctx).Where("node_code = ?", code).First(&n).Error; err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

// GetNodesHealthCheckedBefore returns nodes whose last health evaluation is
// older than t or that were never evaluated. Usage snapshots do not count.
func (s *SqlStore) GetNodesHealthCheckedBefore(ctx context.Context, t time.Time) ([]node.Node, error) {
	var nodes []node.Node
	err := s.db.WithContext(ctx).
		Where("last_health_check_at IS NULL OR last_health_check_at < ?", t.UTC()).
		Order("id ASC").
		Find(&nodes).Error
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func checkNodeUnique(tx *gorm.DB, n *node.Node) error {
	var count int64
	err := tx.Model(&node.Node{}).Where("node_code = ? AND id <> ?", n.Code, n.ID).Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return &ValidationError{Field: "node_code", Value: n.Code}
	}

	err = tx.Model(&node.Node{}).Where("server_address = ? AND id <> ?", n.ServerAddress, n.ID).Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return &ValidationError{Field: "server_address", Value: n.ServerAddress}
	}
	return nil
}

func (s *SqlStore) CreateNode(ctx context.Context, n *node.Node) error {
	if n.Code == "" || n.ServerAddress == "" {
		return fmt.Errorf("%w: node code and server address are required", ErrInvalidArgument)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkNodeUnique(tx, n); err != nil {
			return err
		}
		err := tx.Create(n).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return &ValidationError{Field: "node_code", Value: n.Code}
		}
		return err
	})
}

func (s *SqlStore) UpdateNode(ctx context.Context, n *node.Node) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&node.Node{}).Where("id = ?", n.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		if err := checkNodeUnique(tx, n); err != nil {
			return err
		}
		err := tx.Model(n).Select("*").Omit("id", "created_at").Updates(n).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return &ValidationError{Field: "server_address", Value: n.ServerAddress}
		}
		return err
	})
}

func (s *SqlStore) UpdateNodeStatus(ctx context.Context, ids []uint64, status node.Status) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&node.Node{}).Where("id IN ?", ids).Update("status", status)
	return res.RowsAffected, res.Error
}

func (s *SqlStore) UpdateNodeMonitor(ctx context.Context, id uint64, m node.Monitor) error {
	res := s.db.WithContext(ctx).Model(&node.Node{}).Where("id = ?", id).Updates(map[string]any{
		"current_connections": m.CurrentConnections,
		"cpu_usage":           m.CPUUsage,
		"memory_usage":        m.MemoryUsage,
		"disk_usage":          m.DiskUsage,
		"network_latency_ms":  m.NetworkLatencyMs,
		"last_checked_at":     m.CheckedAt.UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SqlStore) RecordNodeCheck(ctx context.Context, id uint64, reachable bool, latencyMs int64, at time.Time) error {
	fields := map[string]any{"last_health_check_at": at.UTC()}
	if reachable {
		fields["network_latency_ms"] = latencyMs
	}
	res := s.db.WithContext(ctx).Model(&node.Node{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SqlStore) UpdateNodeProtocols(ctx context.Context, id uint64, caps []protocol.Capability) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n node.Node
		if err := tx.First(&n, id).Error; err != nil {
			return notFound(err)
		}
		n.Protocols = caps
		return tx.Model(&n).Select("protocols").Updates(&n).Error
	})
}

func (s *SqlStore) DisableMissingNodes(ctx context.Context, presentCodes []string) (int64, error) {
	q := s.db.WithContext(ctx).Model(&node.Node{}).Where("status <> ?", node.StatusDisabled)
	if len(presentCodes) > 0 {
		q = q.Where("node_code NOT IN ?", presentCodes)
	}
	res := q.Update("status", node.StatusDisabled)
	return res.RowsAffected, res.Error
}

func (s *SqlStore) DeleteNode(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n node.Node
		if err := tx.First(&n, id).Error; err != nil {
			return notFound(err)
		}
		if n.IsRunning() {
			return ErrNodeRunning
		}
		return tx.Delete(&node.Node{}, id).Error
	})
}

type groupRow struct {
	Name  string
	Total int64
}

// groupCount counts rows of model grouped by column. column is never user
// input.
func groupCount(tx *gorm.DB, model any, column string) ([]StatCount, error) {
	var rows []groupRow
	err := tx.Model(model).
		Select(column + " AS name, count(*) AS total").
		Group(column).
		Order("name ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make([]StatCount, 0, len(rows))
	for _, r := range rows {
		counts = append(counts, StatCount{Key: r.Name, Count: r.Total})
	}
	return counts, nil
}

func (s *SqlStore) NodeStats(ctx context.Context) (*NodeStats, error) {
	tx := s.db.WithContext(ctx)
	stats := &NodeStats{}
	var err error
	if err = tx.Model(&node.Node{}).Count(&stats.Total).Error; err != nil {
		return nil, err
	}
	if stats.ByStatus, err = groupCount(tx, &node.Node{}, "status"); err != nil {
		return nil, err
	}
	if stats.ByCountry, err = groupCount(tx, &node.Node{}, "country"); err != nil {
		return nil, err
	}
	if stats.ByType, err = groupCount(tx, &node.Node{}, "type"); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *SqlStore) CreateIP(ctx context.Context, ip *ipam.IPResource) error {
	if ip.Address == "" {
		return fmt.Errorf("%w: ip address is required", ErrInvalidArgument)
	}
	if (ip.Status == ipam.StatusOccupied) != (ip.CurrentOrderRef != nil) {
		return fmt.Errorf("%w: order reference must be set exactly when ip is occupied", ErrInvalidArgument)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&ipam.IPResource{}).Where("address = ?", ip.Address).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return &ValidationError{Field: "address", Value: ip.Address}
		}
		if ip.OwnerNodeID != nil {
			if err := tx.Model(&node.Node{}).Where("id = ?", *ip.OwnerNodeID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("owner node %d: %w", *ip.OwnerNodeID, ErrNotFound)
			}
		}
		err := tx.Create(ip).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return &ValidationError{Field: "address", Value: ip.Address}
		}
		return err
	})
}

func (s *SqlStore) GetIPByID(ctx context.Context, id uint64) (*ipam.IPResource, error) {
	var ip ipam.IPResource
	if err := s.db.WithContext(ctx).First(&ip, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &ip, nil
}

func (s *SqlStore) GetIPs(ctx context.Context, filter IPFilter) ([]ipam.IPResource, error) {
	q := s.db.WithContext(ctx).Order("created_at ASC, id ASC")
	if filter.Country != "" {
		q = q.Where("country = ?", filter.Country)
	}
	if filter.Region != "" {
		q = q.Where("region = ?", filter.Region)
	}
	if filter.City != "" {
		q = q.Where("city = ?", filter.City)
	}
	if filter.TestResult != "" {
		q = q.Where("last_test_result = ?", filter.TestResult)
	}
	if filter.QualityTier != "" {
		q = q.Where("quality_tier = ?", filter.QualityTier)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.OwnerNodeID != nil {
		q = q.Where("owner_node_id = ?", *filter.OwnerNodeID)
	}
	if filter.OrderRef != "" {
		q = q.Where("current_order_ref = ?", filter.OrderRef)
	}

	var ips []ipam.IPResource
	if err := q.Find(&ips).Error; err != nil {
		return nil, err
	}
	return ips, nil
}

func (s *SqlStore) GetIPsByIDs(ctx context.Context, ids []uint64) ([]ipam.IPResource, error) {
	var ips []ipam.IPResource
	if len(ids) == 0 {
		return ips, nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&ips).Error; err != nil {
		return nil, err
	}
	return ips, nil
}

func (s *SqlStore) GetIPsTestedBefore(ctx context.Context, t time.Time) ([]ipam.IPResource, error) {
	var ips []ipam.IPResource
	err := s.db.WithContext(ctx).
		Where("last_tested_at IS NULL OR last_tested_at < ?", t.UTC()).
		Order("id ASC").
		Find(&ips).Error
	if err != nil {
		return nil, err
	}
	return ips, nil
}

func availableQuery(tx *gorm.DB, q ClaimQuery) *gorm.DB {
	db := tx.Model(&ipam.IPResource{}).Where("status = ?", ipam.StatusAvailable)
	if len(q.IDs) > 0 {
		db = db.Where("id IN ?", q.IDs)
	} else {
		if q.Country != "" {
			db = db.Where("country = ?", q.Country)
		}
		if q.Region != "" {
			db = db.Where("region = ?", q.Region)
		}
		if q.City != "" {
			db = db.Where("city = ?", q.City)
		}
		if q.QualityTier != "" {
			db = db.Where("quality_tier = ?", q.QualityTier)
		}
		if q.OwnerNodeID != nil {
			db = db.Where("owner_node_id = ?", *q.OwnerNodeID)
		}
	}
	if len(q.ExcludeIDs) > 0 {
		db = db.Where("id NOT IN ?", q.ExcludeIDs)
	}
	return db
}

func (s *SqlStore) CountAvailableIPs(ctx context.Context, q ClaimQuery) (int64, error) {
	var count int64
	err := availableQuery(s.db.WithContext(ctx), q).Count(&count).Error
	return count, err
}

// ClaimIPs leases available ips matching q to q.OrderRef. Selection and the
// conditional update run in one transaction and the update only touches rows
// that are still available; if fewer rows change than were selected the
// transaction is rolled back with ErrClaimConflict.
func (s *SqlStore) ClaimIPs(ctx context.Context, q ClaimQuery) ([]ipam.IPResource, error) {
	want := q.Count
	if len(q.IDs) > 0 {
		want = len(q.IDs)
	}
	if want <= 0 {
		return nil, fmt.Errorf("%w: claim count must be positive", ErrInvalidArgument)
	}
	if q.OrderRef == "" {
		return nil, fmt.Errorf("%w: order reference is required", ErrInvalidArgument)
	}

	var claimed []ipam.IPResource
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []ipam.IPResource
		err := availableQuery(tx, q).Order("created_at ASC, id ASC").Limit(want).Find(&candidates).Error
		if err != nil {
			return err
		}
		if len(candidates) < want {
			return &ipam.ResourceExhaustedError{Required: want, Available: len(candidates)}
		}

		ids := make([]uint64, 0, len(candidates))
		for _, c := range candidates {
			ids = append(ids, c.ID)
		}

		now := time.Now().UTC()
		res := tx.Model(&ipam.IPResource{}).
			Where("id IN ? AND status = ?", ids, ipam.StatusAvailable).
			Updates(map[string]any{
				"status":            ipam.StatusOccupied,
				"current_order_ref": q.OrderRef,
				"updated_at":        now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(ids)) {
			return ErrClaimConflict
		}

		for i := range candidates {
			ref := q.OrderRef
			candidates[i].Status = ipam.StatusOccupied
			candidates[i].CurrentOrderRef = &ref
			candidates[i].UpdatedAt = now
		}
		claimed = candidates
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func uniqueIDs(ids []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(ids))
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ReleaseIPs returns occupied ips to the pool. Ips that are not occupied are
// left untouched. Every id must exist.
func (s *SqlStore) ReleaseIPs(ctx context.Context, ids []uint64) (int64, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	var released int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&ipam.IPResource{}).Where("id IN ?", ids).Count(&count).Error; err != nil {
			return err
		}
		if count != int64(len(ids)) {
			return fmt.Errorf("%d of %d ips: %w", int64(len(ids))-count, len(ids), ErrNotFound)
		}

		res := tx.Model(&ipam.IPResource{}).
			Where("id IN ? AND status = ?", ids, ipam.StatusOccupied).
			Updates(map[string]any{
				"status":            ipam.StatusAvailable,
				"current_order_ref": gorm.Expr("NULL"),
				"updated_at":        time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		released = res.RowsAffected
		return nil
	})
	return released, err
}

// UpdateIPStatus moves ips that are not leased to status. Leasing goes
// through ClaimIPs only.
func (s *SqlStore) UpdateIPStatus(ctx context.Context, ids []uint64, status ipam.Status) (int64, error) {
	if status == ipam.StatusOccupied {
		return 0, fmt.Errorf("%w: occupied status can only be set by a claim", ErrInvalidArgument)
	}
	if !status.Valid() {
		return 0, fmt.Errorf("%w: ip status %q", ErrInvalidArgument, status)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&ipam.IPResource{}).
		Where("id IN ? AND status <> ?", ids, ipam.StatusOccupied).
		Update("status", status)
	return res.RowsAffected, res.Error
}

func (s *SqlStore) RecordIPTest(ctx context.Context, id uint64, result string, latencyMs int64, message string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&ipam.IPResource{}).Where("id = ?", id).Updates(map[string]any{
		"last_tested_at":       at.UTC(),
		"last_test_result":     result,
		"last_test_latency_ms": latencyMs,
		"last_test_message":    message,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SqlStore) DeleteIP(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ip ipam.IPResource
		if err := tx.First(&ip, id).Error; err != nil {
			return notFound(err)
		}
		if ip.Status == ipam.StatusOccupied {
			return ErrIPOccupied
		}
		return tx.Delete(&ipam.IPResource{}, id).Error
	})
}

func (s *SqlStore) IPStats(ctx context.Context) (*IPStats, error) {
	tx := s.db.WithContext(ctx)
	stats := &IPStats{}
	var err error
	if err = tx.Model(&ipam.IPResource{}).Count(&stats.Total).Error; err != nil {
		return nil, err
	}
	if stats.ByStatus, err = groupCount(tx, &ipam.IPResource{}, "status"); err != nil {
		return nil, err
	}
	if stats.ByCountry, err = groupCount(tx, &ipam.IPResource{}, "country"); err != nil {
		return nil, err
	}
	if stats.ByQuality, err = groupCount(tx, &ipam.IPResource{}, "quality_tier"); err != nil {
		return nil, err
	}
	return stats, nil
}

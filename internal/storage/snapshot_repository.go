package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/preyanshu/chainwatch/internal/models"
	"github.com/preyanshu/chainwatch/internal/types"
)

// SnapshotRepository handles cumulative analysis snapshots. The backing
// table is append-only: a snapshot is never updated in place, and the
// current state of an entity is the most recent row by timestamp.
type SnapshotRepository struct {
	db *ClickHouseDB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *ClickHouseDB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// snapshotRow is the storage shape shared by all three snapshot kinds
type snapshotRow struct {
	Kind          string
	EntityAddress string
	Network       string
	Timestamp     time.Time
	RiskScore     uint8
	AlertsJSON    string
	MetadataJSON  string
	TokenInfoJSON string
	MetricsJSON   string
}

func (r *SnapshotRepository) append(ctx context.Context, row *snapshotRow) error {
	query := `
		INSERT INTO snapshots (
			kind, entity_address, network, timestamp,
			risk_score, alerts, metadata, token_info, metrics
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := r.db.Conn().Exec(
		ctx,
		query,
		row.Kind,
		row.EntityAddress,
		row.Network,
		row.Timestamp,
		row.RiskScore,
		row.AlertsJSON,
		row.MetadataJSON,
		row.TokenInfoJSON,
		row.MetricsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	return nil
}

func (r *SnapshotRepository) latest(ctx context.Context, kind types.SnapshotKind, entity string, network types.Network) (*snapshotRow, error) {
	query := `
		SELECT entity_address, network, timestamp, risk_score, alerts, metadata, token_info, metrics
		FROM snapshots
		WHERE kind = ? AND entity_address = ? AND network = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`

	rows, err := r.db.Conn().Query(ctx, query, string(kind), entity, string(network))
	if err != nil {
		return nil, fmt.Errorf("failed to query latest snapshot: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}

	row := snapshotRow{Kind: string(kind)}
	err = rows.Scan(
		&row.EntityAddress,
		&row.Network,
		&row.Timestamp,
		&row.RiskScore,
		&row.AlertsJSON,
		&row.MetadataJSON,
		&row.TokenInfoJSON,
		&row.MetricsJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
	}

	return &row, nil
}

// Count returns the number of snapshots of one kind on one network.
func (r *SnapshotRepository) Count(ctx context.Context, kind types.SnapshotKind, network types.Network) (uint64, error) {
	query := `SELECT COUNT(*) FROM snapshots WHERE kind = ? AND network = ?`

	var count uint64
	if err := r.db.Conn().QueryRow(ctx, query, string(kind), string(network)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}

	return count, nil
}

func marshalRow(kind types.SnapshotKind, entity string, network types.Network, ts time.Time, riskScore int, alerts []models.Alert, meta models.AnalysisMetadata, tokenInfo *types.TokenInfo, metrics interface{}) (*snapshotRow, error) {
	alertsJSON, err := json.Marshal(alerts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alerts: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	tokenInfoJSON := []byte("null")
	if tokenInfo != nil {
		tokenInfoJSON, err = json.Marshal(tokenInfo)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal token info: %w", err)
		}
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metrics: %w", err)
	}

	return &snapshotRow{
		Kind:          string(kind),
		EntityAddress: entity,
		Network:       string(network),
		Timestamp:     ts,
		RiskScore:     uint8(riskScore),
		AlertsJSON:    string(alertsJSON),
		MetadataJSON:  string(metaJSON),
		TokenInfoJSON: string(tokenInfoJSON),
		MetricsJSON:   string(metricsJSON),
	}, nil
}

// AppendWallet persists a wallet snapshot. Append-only; concurrent
// appends for the same entity are both kept.
func (r *SnapshotRepository) AppendWallet(ctx context.Context, s *models.WalletSnapshot) error {
	row, err := marshalRow(types.KindWallet, s.EntityAddress, s.Network, s.Timestamp, s.RiskScore, s.Alerts, s.Metadata, nil, s.Metrics)
	if err != nil {
		return err
	}
	return r.append(ctx, row)
}

// LatestWallet returns the most recent wallet snapshot for an entity,
// or nil when none exists.
func (r *SnapshotRepository) LatestWallet(ctx context.Context, entity string, network types.Network) (*models.WalletSnapshot, error) {
	row, err := r.latest(ctx, types.KindWallet, entity, network)
	if err != nil || row == nil {
		return nil, err
	}

	s := models.WalletSnapshot{
		EntityAddress: row.EntityAddress,
		Network:       types.Network(row.Network),
		Timestamp:     row.Timestamp,
		RiskScore:     int(row.RiskScore),
	}
	if err := unmarshalCommon(row, &s.Alerts, &s.Metadata, nil); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.MetricsJSON), &s.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wallet metrics: %w", err)
	}

	return &s, nil
}

// AppendToken persists a token-flow snapshot.
func (r *SnapshotRepository) AppendToken(ctx context.Context, s *models.TokenFlowSnapshot) error {
	row, err := marshalRow(types.KindToken, s.EntityAddress, s.Network, s.Timestamp, s.RiskScore, s.Alerts, s.Metadata, s.TokenInfo, s.Metrics)
	if err != nil {
		return err
	}
	return r.append(ctx, row)
}

// LatestToken returns the most recent token-flow snapshot for an entity,
// or nil when none exists.
func (r *SnapshotRepository) LatestToken(ctx context.Context, entity string, network types.Network) (*models.TokenFlowSnapshot, error) {
	row, err := r.latest(ctx, types.KindToken, entity, network)
	if err != nil || row == nil {
		return nil, err
	}

	s := models.TokenFlowSnapshot{
		EntityAddress: row.EntityAddress,
		Network:       types.Network(row.Network),
		Timestamp:     row.Timestamp,
		RiskScore:     int(row.RiskScore),
	}
	if err := unmarshalCommon(row, &s.Alerts, &s.Metadata, &s.TokenInfo); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.MetricsJSON), &s.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token metrics: %w", err)
	}

	return &s, nil
}

// AppendNFT persists an NFT-movement snapshot.
func (r *SnapshotRepository) AppendNFT(ctx context.Context, s *models.NFTMovementSnapshot) error {
	row, err := marshalRow(types.KindNFT, s.EntityAddress, s.Network, s.Timestamp, s.RiskScore, s.Alerts, s.Metadata, s.TokenInfo, s.Metrics)
	if err != nil {
		return err
	}
	return r.append(ctx, row)
}

// LatestNFT returns the most recent NFT-movement snapshot for an entity,
// or nil when none exists.
func (r *SnapshotRepository) LatestNFT(ctx context.Context, entity string, network types.Network) (*models.NFTMovementSnapshot, error) {
	row, err := r.latest(ctx, types.KindNFT, entity, network)
	if err != nil || row == nil {
		return nil, err
	}

	s := models.NFTMovementSnapshot{
		EntityAddress: row.EntityAddress,
		Network:       types.Network(row.Network),
		Timestamp:     row.Timestamp,
		RiskScore:     int(row.RiskScore),
	}
	if err := unmarshalCommon(row, &s.Alerts, &s.Metadata, &s.TokenInfo); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.MetricsJSON), &s.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal nft metrics: %w", err)
	}

	return &s, nil
}

func unmarshalCommon(row *snapshotRow, alerts *[]models.Alert, meta *models.AnalysisMetadata, tokenInfo **types.TokenInfo) error {
	if err := json.Unmarshal([]byte(row.AlertsJSON), alerts); err != nil {
		return fmt.Errorf("failed to unmarshal alerts: %w", err)
	}
	if err := json.Unmarshal([]byte(row.MetadataJSON), meta); err != nil {
		return fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if tokenInfo != nil && row.TokenInfoJSON != "" && row.TokenInfoJSON != "null" {
		*tokenInfo = &types.TokenInfo{}
		if err := json.Unmarshal([]byte(row.TokenInfoJSON), *tokenInfo); err != nil {
			return fmt.Errorf("failed to unmarshal token info: %w", err)
		}
	}
	return nil
}

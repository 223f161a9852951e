// Package journal persists the audit trail: one row per cycle, decision
// and proposal transition. Writes are fire-and-forget; a journal failure
// is logged and never fails the trading path.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"quantor/internal/executor"
	"quantor/internal/logger"
)

type CycleModel struct {
	ID         int64     `gorm:"column:id;primaryKey"`
	CycleID    string    `gorm:"column:cycle_id;index"`
	StartedAt  time.Time `gorm:"column:started_at"`
	FinishedAt time.Time `gorm:"column:finished_at"`
	Assets     int       `gorm:"column:assets"`
	Skipped    int       `gorm:"column:skipped"`
	Notes      string    `gorm:"column:notes;type:TEXT"`
}

func (CycleModel) TableName() string { return "cycles" }

type DecisionModel struct {
	ID              int64          `gorm:"column:id;primaryKey"`
	CycleID         string         `gorm:"column:cycle_id;index"`
	Symbol          string         `gorm:"column:symbol;index"`
	Action          string         `gorm:"column:action"`
	Score           float64        `gorm:"column:score"`
	Tier            string         `gorm:"column:tier"`
	NullCount       int            `gorm:"column:null_count"`
	StopDistancePct float64        `gorm:"column:stop_distance_pct"`
	TargetPct       float64        `gorm:"column:target_pct"`
	Supporters      datatypes.JSON `gorm:"column:supporters;type:TEXT"`
	Rationale       string         `gorm:"column:rationale;type:TEXT"`
	DecidedAt       time.Time      `gorm:"column:decided_at"`
}

func (DecisionModel) TableName() string { return "decisions" }

type ProposalEventModel struct {
	ID         int64     `gorm:"column:id;primaryKey"`
	ProposalID string    `gorm:"column:proposal_id;index"`
	Symbol     string    `gorm:"column:symbol;index"`
	State      string    `gorm:"column:state"`
	Reason     string    `gorm:"column:reason;type:TEXT"`
	At         time.Time `gorm:"column:at"`
}

func (ProposalEventModel) TableName() string { return "proposal_events" }

type MetricModel struct {
	ID      int64     `gorm:"column:id;primaryKey"`
	CycleID string    `gorm:"column:cycle_id;index"`
	Name    string    `gorm:"column:name;index"`
	Value   float64   `gorm:"column:value"`
	At      time.Time `gorm:"column:at"`
}

func (MetricModel) TableName() string { return "metrics" }

// Journal 把循环产物异步写入 SQLite。
type Journal struct {
	db   *gorm.DB
	rows chan interface{}
	done chan struct{}
}

// Open initializes the SQLite journal at path and starts the writer.
func Open(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("journal: path required")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("journal: open failed: %w", err)
	}
	if err := db.AutoMigrate(&CycleModel{}, &DecisionModel{}, &ProposalEventModel{}, &MetricModel{}); err != nil {
		return nil, fmt.Errorf("journal: migrate failed: %w", err)
	}
	j := &Journal{
		db:   db,
		rows: make(chan interface{}, 256),
		done: make(chan struct{}),
	}
	go j.writeLoop()
	return j, nil
}

// Close drains pending rows and stops the writer.
func (j *Journal) Close() {
	close(j.rows)
	<-j.done
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	for row := range j.rows {
		if err := j.db.Create(row).Error; err != nil {
			logger.Warnf("journal: write failed: %v", err)
		}
	}
}

// enqueue drops the row when the buffer is full instead of blocking the
// trading path.
func (j *Journal) enqueue(row interface{}) {
	select {
	case j.rows <- row:
	default:
		logger.Warnf("journal: buffer full, dropping %T", row)
	}
}

// Cycle 记录一轮决策循环的概要。
func (j *Journal) Cycle(cycleID string, started, finished time.Time, assets, skipped int, notes string) {
	j.enqueue(&CycleModel{
		CycleID:    cycleID,
		StartedAt:  started,
		FinishedAt: finished,
		Assets:     assets,
		Skipped:    skipped,
		Notes:      notes,
	})
}

// Decision 记录一份共识决策。
func (j *Journal) Decision(cycleID, symbol, action string, score float64, tier string, nullCount int, stopPct, targetPct float64, supporters []string, rationale string, decidedAt time.Time) {
	j.enqueue(&DecisionModel{
		CycleID:         cycleID,
		Symbol:          symbol,
		Action:          action,
		Score:           score,
		Tier:            tier,
		NullCount:       nullCount,
		StopDistancePct: stopPct,
		TargetPct:       targetPct,
		Supporters:      datatypes.JSON(jsonBytes(supporters)),
		Rationale:       rationale,
		DecidedAt:       decidedAt,
	})
}

// ProposalEvent implements the executor recorder.
func (j *Journal) ProposalEvent(proposalID, symbol string, state executor.State, reason string) {
	j.enqueue(&ProposalEventModel{
		ProposalID: proposalID,
		Symbol:     symbol,
		State:      string(state),
		Reason:     reason,
		At:         time.Now(),
	})
}

// Metric 记录一个周期级指标，例如风险度量。
func (j *Journal) Metric(cycleID, name string, value float64) {
	j.enqueue(&MetricModel{CycleID: cycleID, Name: name, Value: value, At: time.Now()})
}

func jsonBytes(v interface{}) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return raw
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

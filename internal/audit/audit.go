package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AuditLog is one session state transition.
type AuditLog struct {
	Timestamp time.Time
	Session   string
	OrderID   string
	OldState  string
	NewState  string
	Message   string
}

type AuditPoolConfig struct {
	BatchSize   int
	Timeout     time.Duration
	ChannelSize int
}

func DefaultPoolConfig() AuditPoolConfig {
	return AuditPoolConfig{BatchSize: 10, Timeout: 500 * time.Millisecond, ChannelSize: 256}
}

type AuditLogProcessor interface {
	Process(ctx context.Context, batch []AuditLog) error
}

// Logger receives single transitions. Sessions depend on this, not on the pool.
type Logger interface {
	Log(record AuditLog)
}

type Nop struct{}

func (Nop) Log(AuditLog) {}

type DBProcessor struct {
	db *sql.DB
}

func NewDBProcessor(db *sql.DB) *DBProcessor {
	return &DBProcessor{db: db}
}

func (p *DBProcessor) Process(ctx context.Context, batch []AuditLog) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO audit_logs (ts, session, order_id, old_state, new_state, message) VALUES `)

	params := make([]any, 0, len(batch)*6)
	paramIndex := 1
	for i, rec := range batch {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d)", paramIndex, paramIndex+1, paramIndex+2, paramIndex+3, paramIndex+4, paramIndex+5))
		paramIndex += 6
		params = append(params, rec.Timestamp, rec.Session, rec.OrderID, rec.OldState, rec.NewState, rec.Message)
	}
	if _, err := p.db.ExecContext(ctx, sb.String(), params...); err != nil {
		return fmt.Errorf("DBProcessor error: %w", err)
	}
	return nil
}

// ZapProcessor writes each record as a structured log line. Filter, when set,
// keeps only records whose message contains it (case-insensitive).
type ZapProcessor struct {
	logger *zap.Logger
	Filter string
}

func NewZapProcessor(logger *zap.Logger, filter string) *ZapProcessor {
	return &ZapProcessor{logger: logger.Named("audit"), Filter: filter}
}

func (p *ZapProcessor) Process(_ context.Context, batch []AuditLog) error {
	for _, rec := range batch {
		if p.Filter != "" &&
			!strings.Contains(strings.ToLower(rec.Message), strings.ToLower(p.Filter)) {
			continue
		}
		p.logger.Info(rec.Message,
			zap.Time("ts", rec.Timestamp),
			zap.String("session", rec.Session),
			zap.String("order_id", rec.OrderID),
			zap.String("from", rec.OldState),
			zap.String("to", rec.NewState))
	}
	return nil
}

type AuditWorkerPool struct {
	inputCh    chan AuditLog
	processors []AuditLogProcessor
	batchSize  int
	timeout    time.Duration
	logger     *zap.Logger

	wg sync.WaitGroup
}

func NewAuditWorkerPool(cfg AuditPoolConfig, logger *zap.Logger, processors ...AuditLogProcessor) *AuditWorkerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	return &AuditWorkerPool{
		inputCh:    make(chan AuditLog, cfg.ChannelSize),
		processors: processors,
		batchSize:  cfg.BatchSize,
		timeout:    cfg.Timeout,
		logger:     logger,
	}
}

func (p *AuditWorkerPool) Start(ctx context.Context, numWorkers int) {
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(ctx)
		}()
	}
}

func (p *AuditWorkerPool) worker(ctx context.Context) {
	var batch []AuditLog
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			batch = p.drain(batch)
			if len(batch) > 0 {
				p.processBatch(batch)
			}
			return
		case rec := <-p.inputCh:
			batch = append(batch, rec)
			if len(batch) >= p.batchSize {
				p.processBatch(batch)
				batch = nil
				timer.Reset(p.timeout)
			}
		case <-timer.C:
			if len(batch) > 0 {
				p.processBatch(batch)
				batch = nil
			}
			timer.Reset(p.timeout)
		}
	}
}

// drain picks up records queued before shutdown.
func (p *AuditWorkerPool) drain(batch []AuditLog) []AuditLog {
	for {
		select {
		case rec := <-p.inputCh:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
}

func (p *AuditWorkerPool) processBatch(batch []AuditLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, proc := range p.processors {
		if err := proc.Process(ctx, batch); err != nil {
			p.logger.Error("audit batch failed", zap.Int("size", len(batch)), zap.Error(err))
		}
	}
}

func (p *AuditWorkerPool) Log(record AuditLog) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	select {
	case p.inputCh <- record:
	default:
		p.logger.Warn("audit log channel full, dropping log", zap.String("order_id", record.OrderID))
	}
}

func (p *AuditWorkerPool) Shutdown(cancelFunc context.CancelFunc) {
	cancelFunc()
	p.wg.Wait()
}

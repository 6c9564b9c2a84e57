package wallet

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	BackendSimulated = "simulated"
	BackendGRPC      = "grpc"
)

type Options struct {
	Backend    string
	Latency    time.Duration
	LedgerAddr string
	Seed       []byte
	Approver   Approver
	Logger     *zap.Logger
}

// New builds the wallet backend named by opts.Backend. The simulated backend
// needs a shared ledger; the grpc backend dials opts.LedgerAddr.
func New(opts Options, ledger *Ledger) (Service, error) {
	switch opts.Backend {
	case "", BackendSimulated:
		if ledger == nil {
			return nil, fmt.Errorf("simulated wallet requires a ledger")
		}
		simOpts := []SimOption{WithLatency(opts.Latency)}
		if opts.Seed != nil {
			simOpts = append(simOpts, WithSeed(opts.Seed))
		}
		if opts.Approver != nil {
			simOpts = append(simOpts, WithApprover(opts.Approver))
		}
		if opts.Logger != nil {
			simOpts = append(simOpts, WithLogger(opts.Logger))
		}
		return NewSimulated(ledger, simOpts...), nil
	case BackendGRPC:
		if opts.LedgerAddr == "" {
			return nil, fmt.Errorf("grpc wallet requires a ledger address")
		}
		c, err := DialLedger(opts.LedgerAddr, opts.Seed)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown wallet backend %q", opts.Backend)
}

package handler

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/service"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/storage"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/wallet"
)

func TestShellRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.New(storage.NewMemoryKV())
	ledger := wallet.NewLedger(wallet.LedgerConfig{InitialBalance: 1000})

	var cout, aout bytes.Buffer
	customer := NewCustomer(service.NewCustomerSession(service.Deps{Store: store, Wallet: wallet.NewSimulated(ledger)}, ""), &cout)
	agent := NewAgent(service.NewAgentSession(service.Deps{Store: store, Wallet: wallet.NewSimulated(ledger)}), &aout)

	require.NoError(t, customer.Run(ctx, strings.NewReader(
		"connect\norder 1 burger from Truffles @ HSR Layout\nconfirm\nexit\n")))
	assert.Contains(t, cout.String(), "Restaurant: Truffles")
	assert.Contains(t, cout.String(), "Price: 180.00")
	assert.Contains(t, cout.String(), "waiting for an agent")

	jobs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, agent.Run(ctx, strings.NewReader(
		"connect\njobs\nclaim "+jobs[0].ID+" Ravi Kumar\nstatus\n")))
	assert.Contains(t, aout.String(), "from Truffles to HSR Layout")
	assert.Contains(t, aout.String(), "Job "+jobs[0].ID+" is yours")
	assert.Contains(t, aout.String(), "State: claimed")

	cout.Reset()
	require.NoError(t, customer.Run(ctx, strings.NewReader("check\npay\n")))
	assert.Contains(t, cout.String(), "Agent Ravi Kumar")
	assert.Contains(t, cout.String(), "Paid 180.00 ETH to Ravi Kumar")

	aout.Reset()
	require.NoError(t, agent.agent.Refresh(ctx))
	_, err = agent.agent.PollPayments(ctx)
	require.NoError(t, err)
	require.NoError(t, agent.Execute(ctx, "payments", nil))
	assert.Contains(t, aout.String(), "180.00 ETH")
}

func TestExecuteErrors(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	h := NewAgent(service.NewAgentSession(service.Deps{
		Store:  storage.New(storage.NewMemoryKV()),
		Wallet: wallet.NewSimulated(wallet.NewLedger(wallet.LedgerConfig{})),
	}), &out)

	assert.Error(t, h.Execute(ctx, "dance", nil))
	assert.ErrorIs(t, h.Execute(ctx, "exit", nil), ErrExit)
	assert.Error(t, h.Execute(ctx, "claim", []string{"1"}))
	assert.Error(t, h.Execute(ctx, "jobs", []string{"cheap"}))

	require.NoError(t, h.Run(ctx, strings.NewReader("claim 1 Ravi\n")))
	assert.Contains(t, out.String(), "error: connectivity")
}

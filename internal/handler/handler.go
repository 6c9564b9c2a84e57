// Package handler drives a session from an interactive terminal.
package handler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/models"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/service"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/wallet"
)

var ErrExit = errors.New("exit")

type command func(ctx context.Context, args []string) error

type Handler struct {
	customer *service.CustomerSession
	agent    *service.AgentSession
	out      io.Writer
	commands map[string]command
	help     string
}

func NewCustomer(s *service.CustomerSession, out io.Writer) *Handler {
	h := &Handler{customer: s, out: out}
	h.commands = map[string]command{
		"connect": h.handleConnect,
		"order":   h.handleOrder,
		"review":  h.handleReview,
		"cancel":  h.handleCancel,
		"confirm": h.handleConfirm,
		"check":   h.handleCheck,
		"pay":     h.handlePay,
		"status":  h.handleCustomerStatus,
	}
	h.help = `Commands:
  connect
    - connect the wallet
  order <what you want> @ <delivery location>
    - extract an order from free text
  review
    - show the extracted order
  cancel
    - discard the extracted order
  confirm [pickup location]
    - post the order as an available job
  check
    - look for an agent confirmation now
  pay
    - pay the confirmed agent
  status
    - show the session
  exit`
	return h
}

func NewAgent(s *service.AgentSession, out io.Writer) *Handler {
	h := &Handler{agent: s, out: out}
	h.commands = map[string]command{
		"connect":  h.handleConnect,
		"register": h.handleRegister,
		"jobs":     h.handleJobs,
		"claim":    h.handleClaim,
		"release":  h.handleRelease,
		"payments": h.handlePayments,
		"status":   h.handleAgentStatus,
	}
	h.help = `Commands:
  connect
    - connect the wallet
  register <name>
    - register as a delivery agent
  jobs [all|high_pay]
    - list available jobs
  claim <jobID> <name>
    - accept a job
  release
    - go back to browsing
  payments
    - list payments received
  status
    - show the session
  exit`
	return h
}

func (h *Handler) Execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help":
		fmt.Fprintln(h.out, h.help)
		return nil
	case "exit":
		return ErrExit
	}
	fn, ok := h.commands[cmd]
	if !ok {
		return errors.New("unknown command, type 'help'")
	}
	return fn(ctx, args)
}

// Run reads commands line by line until EOF or exit. Command errors are
// printed and do not stop the loop.
func (h *Handler) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(h.out, "> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 {
			err := h.Execute(ctx, fields[0], fields[1:])
			if errors.Is(err, ErrExit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(h.out, "error: %v\n", err)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprint(h.out, "> ")
	}
	return scanner.Err()
}

func (h *Handler) handleConnect(ctx context.Context, _ []string) error {
	var (
		addr string
		err  error
	)
	if h.customer != nil {
		addr, err = h.customer.ConnectWallet(ctx)
	} else {
		addr, err = h.agent.ConnectWallet(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(h.out, "Wallet connected: %s\n", addr)
	return nil
}

func (h *Handler) handleOrder(ctx context.Context, args []string) error {
	line := strings.Join(args, " ")
	prompt, location, ok := strings.Cut(line, "@")
	if !ok {
		return errors.New("format: order <what you want> @ <delivery location>")
	}
	fmt.Fprintln(h.out, "Extracting order...")
	order, err := h.customer.Submit(ctx, prompt, location)
	if err != nil {
		return err
	}
	printOrder(h.out, order)
	return nil
}

func (h *Handler) handleReview(context.Context, []string) error {
	order, ok := h.customer.Review()
	if !ok {
		fmt.Fprintln(h.out, "Nothing to review.")
		return nil
	}
	printOrder(h.out, order)
	return nil
}

func (h *Handler) handleCancel(context.Context, []string) error {
	if err := h.customer.Cancel(); err != nil {
		return err
	}
	fmt.Fprintln(h.out, "Order discarded.")
	return nil
}

func (h *Handler) handleConfirm(ctx context.Context, args []string) error {
	fmt.Fprintln(h.out, "Posting order...")
	job, err := h.customer.ConfirmOrder(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(h.out, "Order %s posted, waiting for an agent.\n", job.ID)
	return nil
}

func (h *Handler) handleCheck(ctx context.Context, _ []string) error {
	c, err := h.customer.PollConfirmation(ctx)
	if err != nil {
		return err
	}
	if c == nil {
		fmt.Fprintln(h.out, "No confirmation yet.")
		return nil
	}
	printConfirmation(h.out, *c)
	return nil
}

func (h *Handler) handlePay(ctx context.Context, _ []string) error {
	fmt.Fprintln(h.out, "Sending payment...")
	n, err := h.customer.Pay(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(h.out, "Paid %.2f %s to %s (tx %s, block %d)\n",
		n.Amount, n.Currency, n.AgentName, wallet.ShortRef(n.TxHash), n.BlockchainData.BlockHeight)
	return nil
}

func (h *Handler) handleCustomerStatus(context.Context, []string) error {
	v := h.customer.Snapshot()
	fmt.Fprintf(h.out, "State: %s\n", v.State)
	if v.Pending != "" {
		fmt.Fprintf(h.out, "  %s...\n", v.Pending)
	}
	if v.Wallet != "" {
		fmt.Fprintf(h.out, "  Wallet: %s\n", v.Wallet)
	}
	if v.Job != nil {
		fmt.Fprintf(h.out, "  Order %s: %s, %s\n", v.Job.ID, v.Job.Dish, v.Job.Status)
	}
	if v.Confirmation != nil {
		printConfirmation(h.out, *v.Confirmation)
	}
	if v.LastError != "" {
		fmt.Fprintf(h.out, "  Last error: %s\n", v.LastError)
	}
	return nil
}

func (h *Handler) handleRegister(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("format: register <name>")
	}
	ref, err := h.agent.RegisterAgent(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(h.out, "Registered (tx %s)\n", wallet.ShortRef(ref))
	return nil
}

func (h *Handler) handleJobs(ctx context.Context, args []string) error {
	raw := ""
	if len(args) > 0 {
		raw = args[0]
	}
	filter, err := service.ParseFilter(raw)
	if err != nil {
		return err
	}
	if err := h.agent.Refresh(ctx); err != nil {
		return err
	}
	jobs := h.agent.Available(filter)
	if len(jobs) == 0 {
		fmt.Fprintln(h.out, "No jobs available.")
		return nil
	}
	for _, j := range jobs {
		fmt.Fprintf(h.out, "  %s  %dx %s from %s to %s, pay %.2f\n",
			j.ID, j.Quantity, j.Dish, j.Restaurant, j.DropLocation, j.EstimatedPay)
	}
	return nil
}

func (h *Handler) handleClaim(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("format: claim <jobID> <name>")
	}
	fmt.Fprintln(h.out, "Confirming job...")
	c, err := h.agent.Claim(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(h.out, "Job %s is yours (tx %s)\n", c.OrderID, wallet.ShortRef(c.TxRef))
	return nil
}

func (h *Handler) handleRelease(context.Context, []string) error {
	return h.agent.Release()
}

func (h *Handler) handlePayments(context.Context, []string) error {
	payments := h.agent.Payments()
	if len(payments) == 0 {
		fmt.Fprintln(h.out, "No payments yet.")
		return nil
	}
	for _, p := range payments {
		fmt.Fprintf(h.out, "  %s  %.2f %s from %s (tx %s)\n",
			p.OrderID, p.Amount, p.Currency, p.CustomerName, wallet.ShortRef(p.TxHash))
	}
	return nil
}

func (h *Handler) handleAgentStatus(context.Context, []string) error {
	v := h.agent.Snapshot()
	fmt.Fprintf(h.out, "State: %s\n", v.State)
	if v.Wallet != "" {
		fmt.Fprintf(h.out, "  Wallet: %s\n", v.Wallet)
	}
	if v.Selected != nil {
		fmt.Fprintf(h.out, "  Job %s: %s, %s\n", v.Selected.ID, v.Selected.Dish, v.Selected.Status)
	}
	fmt.Fprintf(h.out, "  Payments: %d\n", v.Payments)
	if v.LastError != "" {
		fmt.Fprintf(h.out, "  Last error: %s\n", v.LastError)
	}
	return nil
}

func printOrder(out io.Writer, o models.ExtractedOrder) {
	fmt.Fprintf(out, "  Restaurant: %s\n  Dish: %s\n  Quantity: %d\n  Price: %.2f\n  Deliver to: %s\n",
		o.Restaurant, o.Dish, o.Quantity, o.EstimatedPrice, o.DeliveryLocation)
}

func printConfirmation(out io.Writer, c models.AgentConfirmation) {
	fmt.Fprintf(out, "  Agent %s (rating %.1f) picks up in %s, delivers in %s\n",
		c.AgentName, c.Rating, c.PickupTime, c.EstimatedTime)
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/zombor/stockscan/internal/inventory"
	"github.com/zombor/stockscan/internal/payment"
	"github.com/zombor/stockscan/internal/scanning"
	"github.com/zombor/stockscan/internal/session"
)

const consoleHelp = `commands:
  <code>                      look up a code typed by hand
  sell|in|out <qty> [price]   prepare a transaction for the open item
  commit | retry              send the prepared transaction
  create <price> <qty> <name> create the unknown item
  cancel                      drop the open item or form
  ocr on|off, torch on|off, zoom <level>, status, help, quit`

// console is a line-based scanner surface
type console struct {
	in  io.Reader
	mu  sync.Mutex
	out io.Writer

	unknownCode string
}

func newConsole(in io.Reader, out io.Writer) *console {
	return &console{in: in, out: out}
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) ItemResolved(res inventory.Resolution, scan scanning.Accepted) {
	item := res.Item
	c.printf("found %s: %s, %s each, %g %s on hand (sell|in|out <qty>, cancel)",
		item.Code, item.Name, formatCents(item.UnitPrice), item.StockOnHand, item.UnitOfMeasure)
}

func (c *console) UnknownCode(code string) {
	c.mu.Lock()
	c.unknownCode = code
	c.mu.Unlock()
	c.printf("unknown code %s (create <price> <qty> <name>, cancel)", code)
}

func (c *console) PaymentScanned(p payment.Payload) {
	amount := "no amount"
	if p.Amount != nil {
		amount = formatCents(*p.Amount)
	}
	c.printf("payment QR (%s): %s %s, %s", p.Kind, p.Account(), p.Name, amount)
}

func (c *console) StatusChanged(status session.Status) {
	if status.LastError == nil {
		return
	}
	switch status.State {
	case session.StateFailed:
		c.printf("transaction failed: %v (retry, cancel)", status.LastError)
	case session.StateScanning:
		c.printf("lookup failed: %v; scan again", status.LastError)
	}
}

func (c *console) DeviceFailed(err error) {
	c.printf("camera unavailable: %v; type codes by hand", err)
}

func (c *console) TransactionCommitted(ev session.CommittedEvent) {
	c.printf("committed %s %g x %s: %g on hand; session sales %d, revenue %s",
		ev.Transaction.Operation, ev.Transaction.Quantity, ev.Item.Name, ev.Item.StockOnHand,
		ev.Totals.Count, formatCents(ev.Totals.Revenue))
}

// Loop reads commands until quit, end of input, or ctx is done
func (c *console) Loop(ctx context.Context, s *session.Session) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("scanning; type help for commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.execute(ctx, s, line); quit {
				return nil
			}
		}
	}
}

// execute runs one command line and reports whether to quit
func (c *console) execute(ctx context.Context, s *session.Session, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		return true
	case "help":
		c.printf("%s", consoleHelp)
	case "status":
		st := s.Status()
		totals := s.Coordinator().Totals()
		c.printf("state %s, window %s, ocr %s, zoom %g, torch %t, sales %d, revenue %s",
			st.State, st.Debounce, ocrLabel(st), st.Zoom, st.Torch, totals.Count, formatCents(totals.Revenue))
	case "ocr":
		if len(fields) > 1 && fields[1] == "off" {
			s.DisableOCR()
			return false
		}
		if err := s.EnableOCR(ctx); err != nil {
			c.printf("ocr: %v", err)
		}
	case "torch":
		s.SetTorch(len(fields) > 1 && fields[1] == "on")
	case "zoom":
		if len(fields) < 2 {
			c.printf("zoom: level required")
			return false
		}
		level, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			c.printf("zoom: %v", err)
			return false
		}
		s.SetZoom(level)
	case "sell", "in", "out":
		c.prepare(ctx, s, fields)
	case "commit", "retry", "y":
		if _, err := s.Commit(ctx); err != nil && !errors.Is(err, session.ErrCommitInFlight) {
			var stateErr *session.StateError
			if errors.As(err, &stateErr) {
				c.printf("%v", err)
			}
		}
	case "create":
		c.create(ctx, s, fields[1:])
	case "cancel":
		if err := s.Cancel(); err != nil {
			c.printf("cancel: %v", err)
			return false
		}
		c.printf("cancelled; scanning")
	default:
		if err := s.SubmitManual(ctx, line); err != nil {
			c.printf("%v", err)
		}
	}
	return false
}

var consoleOps = map[string]inventory.Operation{
	"sell": inventory.OpSell,
	"in":   inventory.OpStockIn,
	"out":  inventory.OpStockOut,
}

func (c *console) prepare(ctx context.Context, s *session.Session, fields []string) {
	if len(fields) < 2 {
		c.printf("%s: quantity required", fields[0])
		return
	}
	qty, err := strconv.ParseFloat(strings.ReplaceAll(fields[1], ",", "."), 64)
	if err != nil {
		c.printf("invalid quantity %q", fields[1])
		return
	}
	var price *int64
	if len(fields) > 2 {
		cents, err := parseCents(fields[2])
		if err != nil {
			c.printf("invalid price %q", fields[2])
			return
		}
		price = &cents
	}

	tx, err := s.Prepare(ctx, consoleOps[strings.ToLower(fields[0])], qty, price)
	if err != nil {
		c.printf("%v", err)
		return
	}
	line := fmt.Sprintf("%s %g x %s", tx.Operation, tx.Quantity, tx.Item.Name)
	if tx.Operation == inventory.OpSell {
		line += " for " + formatCents(tx.Revenue())
	}
	c.printf("%s (commit, cancel)", line)
}

func (c *console) create(ctx context.Context, s *session.Session, fields []string) {
	if len(fields) < 3 {
		c.printf("create: usage create <price> <qty> <name>")
		return
	}
	price, err := parseCents(fields[0])
	if err != nil {
		c.printf("invalid price %q", fields[0])
		return
	}
	qty, err := strconv.ParseFloat(strings.ReplaceAll(fields[1], ",", "."), 64)
	if err != nil {
		c.printf("invalid quantity %q", fields[1])
		return
	}

	c.mu.Lock()
	code := c.unknownCode
	c.mu.Unlock()

	item, err := s.CreateItem(ctx, inventory.NewItem{
		Code:            code,
		Name:            strings.Join(fields[2:], " "),
		UnitPrice:       price,
		InitialQuantity: qty,
	})
	if err != nil {
		var verr *inventory.ValidationError
		if errors.As(err, &verr) {
			for field, msg := range verr.Fields {
				c.printf("  %s %s", field, msg)
			}
			return
		}
		c.printf("create: %v", err)
		return
	}
	c.printf("created %s: %s with %g on hand; scanning", item.Code, item.Name, item.StockOnHand)
}

func ocrLabel(st session.Status) string {
	if !st.OCRActive {
		return "off"
	}
	return st.OCRStatus
}

// parseCents reads "18.50" or "18,50" as 1850
func parseCents(s string) (int64, error) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimPrefix(s, "$"), ",", "."), 64)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(v * 100)), nil
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

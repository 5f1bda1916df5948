package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	grpcsvc "github.com/vladislavdragonenkov/orderdesk/internal/service/grpc"
)

type loadMode string

const (
	modeCreate         loadMode = "create"
	modeCreateComplete loadMode = "create-complete"
	modeCreateInvoice  loadMode = "create-invoice"
)

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	connections int
	timeout     time.Duration
	mode        loadMode
	cancelRate  int
	amountMinor int64
	customerTag string
	adminID     string
	designerID  string
	salesRepID  string
	outputPath  string
}

// workflowCaller: unary-вызов WorkflowService; *grpcsvc.Client его реализует.
type workflowCaller interface {
	Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

func parseConfig(fs *flag.FlagSet, args []string) (config, error) {
	var (
		cfg  config
		mode string
	)
	fs.StringVar(&cfg.addr, "addr", "localhost:50051", "WorkflowService gRPC address")
	fs.IntVar(&cfg.total, "total", 400, "scenarios to run; with -duration acts as an upper bound only when set explicitly")
	fs.DurationVar(&cfg.duration, "duration", 0, "run for this long instead of a fixed count (e.g. 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "concurrent scenario workers")
	fs.IntVar(&cfg.connections, "connections", 20, "gRPC client connections shared by workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "timeout of a single RPC")
	fs.StringVar(&mode, "mode", string(modeCreate), "scenario: create | create-complete | create-invoice")
	fs.IntVar(&cfg.cancelRate, "cancel-rate", 0, "share of invoices cancelled instead of paid in create-invoice mode, percent")
	fs.Int64Var(&cfg.amountMinor, "amount-minor", 12000, "order and invoice total in minor units")
	fs.StringVar(&cfg.customerTag, "customer-tag", "load", "prefix of generated customer ids")
	fs.StringVar(&cfg.adminID, "admin-id", "load-admin", "admin actor id")
	fs.StringVar(&cfg.designerID, "designer-id", "load-designer", "designer assigned to orders")
	fs.StringVar(&cfg.salesRepID, "sales-rep-id", "load-rep", "sales rep assigned to orders")
	fs.StringVar(&cfg.outputPath, "output", "", "write the JSON report to this file")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) { cfg.totalSet = cfg.totalSet || f.Name == "total" })

	var err error
	if cfg.mode, err = parseMode(mode); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	staff := []string{c.adminID, c.designerID, c.salesRepID}
	switch {
	case c.duration < 0:
		return errors.New("duration must be >= 0")
	case c.duration == 0 && c.total <= 0:
		return errors.New("total must be > 0 when duration is not set")
	case c.duration > 0 && c.totalSet && c.total <= 0:
		return errors.New("total must be > 0 when explicitly set with duration")
	case c.concurrency <= 0:
		return errors.New("concurrency must be > 0")
	case c.connections <= 0:
		return errors.New("connections must be > 0")
	case c.timeout <= 0:
		return errors.New("timeout must be > 0")
	case c.amountMinor < 0:
		return errors.New("amount-minor must be >= 0")
	case c.cancelRate < 0 || c.cancelRate > 100:
		return errors.New("cancel-rate must be between 0 and 100")
	case strings.TrimSpace(c.customerTag) == "":
		return errors.New("customer-tag is required")
	case slices.ContainsFunc(staff, func(id string) bool { return strings.TrimSpace(id) == "" }):
		return errors.New("admin-id, designer-id and sales-rep-id are required")
	}
	return nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeCreate, modeCreateComplete, modeCreateInvoice:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		exitf("invalid config: %v", err)
	}

	clients, closeAll, err := dialClients(cfg)
	if err != nil {
		exitf("dial %s: %v", cfg.addr, err)
	}
	result, err := runLoad(context.Background(), cfg, clients)
	closeAll()
	if err != nil {
		exitf("load test setup failed: %v", err)
	}

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			exitf("write report: %v", err)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// dialClients открывает cfg.connections соединений; воркеры делят их по кругу.
func dialClients(cfg config) ([]workflowCaller, func(), error) {
	conns := make([]*grpc.ClientConn, 0, cfg.connections)
	closeAll := func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}

	clients := make([]workflowCaller, 0, cfg.connections)
	for range cfg.connections {
		conn, err := grpc.NewClient(cfg.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		conns = append(conns, conn)
		clients = append(clients, grpcsvc.NewClient(conn))
	}
	return clients, closeAll, nil
}

func exitf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// runLoad регистрирует служебные профили и прогоняет сценарии пулом воркеров.
func runLoad(ctx context.Context, cfg config, clients []workflowCaller) (report, error) {
	if len(clients) == 0 {
		return report{}, errors.New("at least one client is required")
	}
	if cfg.mode != modeCreate {
		if err := seedStaff(ctx, clients[0], cfg); err != nil {
			return report{}, err
		}
	}

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()
	jobs := make(chan int, cfg.concurrency*2)

	var (
		failed atomic.Int64
		group  errgroup.Group
	)
	for worker := range cfg.concurrency {
		client := clients[worker%len(clients)]
		group.Go(func() error {
			for index := range jobs {
				if runScenario(ctx, client, cfg, index, runID, col) != nil {
					failed.Add(1)
				}
			}
			return nil
		})
	}
	dispatchJobs(jobs, cfg)
	_ = group.Wait()

	result := col.buildReport(startedAt, time.Since(startedAt))
	if n := failed.Load(); result.FailedScenarios == 0 && n > 0 {
		result.FailedScenarios = n
		result.ErrorRate = ratio(n, result.TotalScenarios)
	}
	return result, nil
}

// seedStaff регистрирует администратора, дизайнера и менеджера, которых назначают на заказы.
func seedStaff(ctx context.Context, client workflowCaller, cfg config) error {
	admin := domain.Actor{ID: cfg.adminID, Role: domain.RoleAdmin}
	staff := []struct {
		id   string
		name string
		role domain.Role
	}{
		{cfg.adminID, "Load Admin", domain.RoleAdmin},
		{cfg.designerID, "Load Designer", domain.RoleDesigner},
		{cfg.salesRepID, "Load Sales Rep", domain.RoleSalesRep},
	}
	for _, member := range staff {
		_, err := call(ctx, client, cfg.timeout, nil, admin, "", grpcsvc.MethodRegisterProfile, map[string]any{
			"id":        member.id,
			"full_name": member.name,
			"role":      string(member.role),
		})
		if err != nil {
			return fmt.Errorf("register profile %s: %w", member.id, err)
		}
	}
	return nil
}

// dispatchJobs раздаёт номера сценариев: либо total штук, либо пока не истечёт duration.
func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for index := range cfg.total {
			jobs <- index
		}
		return
	}

	deadline := time.After(cfg.duration)
	for index := 0; !cfg.totalSet || index < cfg.total; index++ {
		select {
		case <-deadline:
			return
		case jobs <- index:
		}
	}
}

// scenario: один проход заказа через workflow от имени сгенерированного клиента.
type scenario struct {
	client   workflowCaller
	cfg      config
	col      *collector
	index    int
	runID    string
	customer domain.Actor
}

func runScenario(ctx context.Context, client workflowCaller, cfg config, index int, runID string, col *collector) (err error) {
	started := time.Now()
	defer func() { col.record(scenarioMetric, time.Since(started), grpcCode(err)) }()

	sc := scenario{
		client: client,
		cfg:    cfg,
		col:    col,
		index:  index,
		runID:  runID,
		customer: domain.Actor{
			ID:   fmt.Sprintf("%s-%s-%d", cfg.customerTag, runID, index),
			Role: domain.RoleCustomer,
		},
	}
	return sc.run(ctx)
}

func (sc scenario) run(ctx context.Context) error {
	admin := domain.Actor{ID: sc.cfg.adminID, Role: domain.RoleAdmin}
	rep := domain.Actor{ID: sc.cfg.salesRepID, Role: domain.RoleSalesRep}

	orderID, err := sc.create(ctx, sc.customer, "create", grpcsvc.MethodCreateOrder, "order", map[string]any{
		"title":              fmt.Sprintf("Load order %d", sc.index),
		"total_amount_minor": sc.cfg.amountMinor,
	})
	if err != nil || sc.cfg.mode == modeCreate {
		return err
	}

	if err := sc.step(ctx, admin, "assign", grpcsvc.MethodUpdateOrder, map[string]any{
		"order_id":              orderID,
		"status":                string(domain.OrderStatusInProgress),
		"assigned_designer_id":  sc.cfg.designerID,
		"assigned_sales_rep_id": sc.cfg.salesRepID,
	}); err != nil {
		return err
	}
	if err := sc.step(ctx, rep, "complete", grpcsvc.MethodUpdateOrder, map[string]any{
		"order_id": orderID,
		"status":   string(domain.OrderStatusCompleted),
	}); err != nil || sc.cfg.mode == modeCreateComplete {
		return err
	}

	invoiceID, err := sc.create(ctx, rep, "invoice", grpcsvc.MethodCreateInvoice, "invoice", map[string]any{
		"customer_id":        sc.customer.ID,
		"order_ids":          []any{orderID},
		"total_amount_minor": sc.cfg.amountMinor,
	})
	if err != nil {
		return err
	}

	settle := domain.InvoiceStatusPaid
	if shouldCancelScenario(sc.index, sc.cfg.cancelRate) {
		settle = domain.InvoiceStatusCancelled
	}
	return sc.step(ctx, admin, "settle", grpcsvc.MethodUpdateInvoice, map[string]any{
		"invoice_id": invoiceID,
		"status":     string(settle),
	})
}

// create вызывает метод, создающий запись, и достаёт её id из поля record ответа.
func (sc scenario) create(ctx context.Context, actor domain.Actor, step, method, record string, body map[string]any) (string, error) {
	resp, err := call(ctx, sc.client, sc.cfg.timeout, sc.col, actor, sc.key(step), method, body)
	if err != nil {
		return "", err
	}
	id := recordID(resp, record)
	if id == "" {
		return "", status.Errorf(codes.Internal, "%s response returned empty %s id", step, record)
	}
	return id, nil
}

func (sc scenario) step(ctx context.Context, actor domain.Actor, step, method string, body map[string]any) error {
	_, err := call(ctx, sc.client, sc.cfg.timeout, sc.col, actor, sc.key(step), method, body)
	return err
}

// key делает idempotency-key уникальным для прогона, сценария и шага.
func (sc scenario) key(step string) string {
	return fmt.Sprintf("lt-%s-%s-%d", step, sc.runID, sc.index)
}

// call выполняет unary-вызов от имени actor; col == nil отключает учёт задержки.
func call(
	ctx context.Context,
	client workflowCaller,
	timeout time.Duration,
	col *collector,
	actor domain.Actor,
	key string,
	method string,
	body map[string]any,
) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(body)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	callCtx, cancel := context.WithTimeout(actorContext(ctx, actor, key), timeout)
	defer cancel()

	started := time.Now()
	resp, err := client.Call(callCtx, method, in)
	if col != nil {
		col.record(method, time.Since(started), grpcCode(err))
	}
	return resp, err
}

func actorContext(ctx context.Context, actor domain.Actor, key string) context.Context {
	pairs := []string{grpcsvc.ActorIDHeader, actor.ID, grpcsvc.ActorRoleHeader, string(actor.Role)}
	if key != "" {
		pairs = append(pairs, grpcsvc.IdempotencyKeyHeader, key)
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

func recordID(resp *structpb.Struct, name string) string {
	if resp == nil {
		return ""
	}
	return resp.GetFields()[name].GetStructValue().GetFields()["id"].GetStringValue()
}

func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return status.Code(err)
}

func shouldCancelScenario(index, cancelRate int) bool {
	if cancelRate <= 0 {
		return false
	}
	if cancelRate >= 100 {
		return true
	}
	return index%100 < cancelRate
}

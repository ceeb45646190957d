package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/quantfoundry/tradepilot/internal/clock"
	"github.com/quantfoundry/tradepilot/internal/config"
	"github.com/quantfoundry/tradepilot/internal/engine"
	"github.com/quantfoundry/tradepilot/internal/engine/engine_v1"
	"github.com/quantfoundry/tradepilot/internal/exchange"
	"github.com/quantfoundry/tradepilot/internal/execution"
	"github.com/quantfoundry/tradepilot/internal/exit"
	"github.com/quantfoundry/tradepilot/internal/logger"
	"github.com/quantfoundry/tradepilot/internal/ops"
	"github.com/quantfoundry/tradepilot/internal/portfolio"
	"github.com/quantfoundry/tradepilot/internal/reporter"
	"github.com/quantfoundry/tradepilot/internal/risk"
	"github.com/quantfoundry/tradepilot/internal/store"
	"github.com/quantfoundry/tradepilot/internal/strategy"
	"github.com/quantfoundry/tradepilot/pkg/schema"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

const eventBufferSize = 512

// buildGateway selects the exchange gateway from the config.
func buildGateway(cfg config.Config) (exchange.Gateway, error) {
	switch exchange.GatewayType(cfg.Gateway.Type) {
	case exchange.GatewayPaper:
		return exchange.NewPaperGateway(), nil
	case exchange.GatewayBinancePaper:
		return exchange.NewBinanceGateway(cfg.Gateway.Binance, true)
	case exchange.GatewayBinanceLive:
		return exchange.NewBinanceGateway(cfg.Gateway.Binance, false)
	default:
		return nil, fmt.Errorf("unknown gateway type: %s", cfg.Gateway.Type)
	}
}

// runAction loads the config, wires the trading components, and runs the
// loop until SIGINT or SIGTERM.
func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	logg, err := logger.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	gateway, err := buildGateway(cfg)
	if err != nil {
		return err
	}

	db, err := store.NewDuckDBStore(cfg.Store.Path, logg)
	if err != nil {
		return err
	}
	defer db.Close()

	clk := clock.NewRealClock()
	events := reporter.NewCollectingReporter(eventBufferSize)
	multiReporter := reporter.NewMultiReporter(reporter.NewLogReporter(logg), events)

	execEngine := execution.NewEngine(gateway, clk, cfg.Execution, logg)
	exits := exit.NewManager(execEngine, gateway, db, clk, multiReporter, logg)

	var rebalancer *portfolio.Rebalancer
	if len(cfg.Rebalance.Targets) > 0 || len(cfg.Rebalance.Schedules) > 0 {
		rebalancer, err = portfolio.NewRebalancer(
			portfolio.Targets(cfg.Rebalance.Targets),
			cfg.Rebalance.Tolerance,
			cfg.Rebalance.Schedules,
			clk.Now(),
			logg,
		)
		if err != nil {
			return err
		}
	}

	// Strategies feed intents through the queue source; external signal
	// producers push into it over the lifetime of the process.
	source := strategy.NewQueueSource("default")

	loop := engine_v1.NewTradingLoopV1(cfg, engine_v1.Dependencies{
		Gateway:    gateway,
		Source:     source,
		Risk:       risk.NewManager(cfg.Risk, logg),
		Execution:  execEngine,
		Exits:      exits,
		Rebalancer: rebalancer,
		Store:      db,
		Clock:      clk,
		Reporter:   multiReporter,
		Logger:     logg,
	})

	if cfg.Ops.Enabled {
		opsServer := ops.NewServer(loop, exits, db, events, logg)
		if err := opsServer.Start(cfg.Ops.Listen); err != nil {
			return err
		}

		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
			defer cancel()

			if err := opsServer.Stop(stopCtx); err != nil {
				logg.Error("failed to stop ops server", zap.Error(err))
			}
		}()
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	onStop := engine.OnLoopStopCallback(func(err error) {
		if err != nil {
			logg.Error("trading loop stopped with error", zap.Error(err))
		}
	})

	return loop.Run(runCtx, engine.TradingLoopCallbacks{OnLoopStop: &onStop})
}

// flattenAction closes every open position recorded in the store, then
// exits. Intended for manual intervention while the loop is down.
func flattenAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	logg, err := logger.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	gateway, err := buildGateway(cfg)
	if err != nil {
		return err
	}

	db, err := store.NewDuckDBStore(cfg.Store.Path, logg)
	if err != nil {
		return err
	}
	defer db.Close()

	clk := clock.NewRealClock()
	execEngine := execution.NewEngine(gateway, clk, cfg.Execution, logg)
	exits := exit.NewManager(execEngine, gateway, db, clk, reporter.NewLogReporter(logg), logg)

	positions, err := db.LoadOpenPositions(ctx)
	if err != nil {
		return err
	}

	if len(positions) == 0 {
		fmt.Println("no open positions")

		return nil
	}

	if err := exits.Resume(ctx, positions); err != nil {
		return err
	}

	flattenCtx, cancel := context.WithTimeout(ctx, cfg.Engine.ShutdownTimeout)
	defer cancel()

	if err := exits.Flatten(flattenCtx); err != nil {
		return err
	}

	fmt.Printf("flattened %d positions\n", len(positions))

	return nil
}

// schemaAction prints the JSON schema for the config file or the status
// payload.
func schemaAction(ctx context.Context, cmd *cli.Command) error {
	var (
		out string
		err error
	)

	switch target := cmd.String("type"); target {
	case "config":
		out, err = schema.ToJSONSchema(&config.Config{})
	case "status":
		out, err = engine.GetStatusSchema()
	default:
		return fmt.Errorf("unknown schema type: %s (want config or status)", target)
	}

	if err != nil {
		return err
	}

	fmt.Println(out)

	return nil
}

// gatewaysAction lists the supported exchange gateways.
func gatewaysAction(ctx context.Context, cmd *cli.Command) error {
	for _, name := range exchange.GetSupportedGateways() {
		fmt.Println(name)
	}

	return nil
}

func main() {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the YAML configuration file",
		Value:   "tradepilot.yaml",
	}

	cmd := &cli.Command{
		Name:  "tradepilot",
		Usage: "Automated trade execution engine",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the trading loop until interrupted",
				Flags:  []cli.Flag{configFlag},
				Action: runAction,
			},
			{
				Name:   "flatten",
				Usage:  "Close all open positions and exit",
				Flags:  []cli.Flag{configFlag},
				Action: flattenAction,
			},
			{
				Name:  "schema",
				Usage: "Print a JSON schema",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "type",
						Usage: "Schema to print: config or status",
						Value: "config",
					},
				},
				Action: schemaAction,
			},
			{
				Name:   "gateways",
				Usage:  "List supported exchange gateways",
				Action: gatewaysAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

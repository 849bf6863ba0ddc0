package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/anujsainicse/scalper-sub000/internal/app"
	"github.com/anujsainicse/scalper-sub000/internal/domain"
)

// withEngine runs fn against an engine without the event stream. Orders
// placed here are reacted to by the next `serve`.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *app.Engine) error) error {
	rt, err := setup(false)
	if err != nil {
		return err
	}
	defer rt.close()
	engine, err := rt.newEngine()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := fn(ctx, engine); err != nil {
		return err
	}
	return engine.Shutdown(ctx)
}

type botFlags struct {
	symbol     string
	firstOrder string
	quantity   string
	buyPrice   string
	sellPrice  string
	loop       bool
	leverage   int
}

func (f *botFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.symbol, "symbol", "", "Trading pair, e.g. ETH/USDT")
	cmd.Flags().StringVar(&f.firstOrder, "first-order", "BUY", "Side of the first order (BUY or SELL)")
	cmd.Flags().StringVar(&f.quantity, "qty", "", "Order quantity for every leg")
	cmd.Flags().StringVar(&f.buyPrice, "buy", "", "Limit price for BUY legs")
	cmd.Flags().StringVar(&f.sellPrice, "sell", "", "Limit price for SELL legs")
	cmd.Flags().BoolVar(&f.loop, "loop", false, "Keep cycling after each completed buy/sell pair")
	cmd.Flags().IntVar(&f.leverage, "leverage", 0, "Leverage (0 uses DEFAULT_LEVERAGE)")
}

func parseDecimalFlag(name, v string) (*decimal.Decimal, error) {
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s %q: %w", name, v, err)
	}
	return &d, nil
}

// update converts the flags the user actually set.
func (f *botFlags) update(cmd *cobra.Command) (app.BotUpdate, error) {
	var upd app.BotUpdate
	var err error
	if upd.Quantity, err = parseDecimalFlag("qty", f.quantity); err != nil {
		return upd, err
	}
	if upd.BuyPrice, err = parseDecimalFlag("buy", f.buyPrice); err != nil {
		return upd, err
	}
	if upd.SellPrice, err = parseDecimalFlag("sell", f.sellPrice); err != nil {
		return upd, err
	}
	if cmd.Flags().Changed("first-order") {
		side, err := domain.ParseOrderSide(f.firstOrder)
		if err != nil {
			return upd, err
		}
		upd.FirstOrder = &side
	}
	if cmd.Flags().Changed("loop") {
		upd.InfiniteLoop = &f.loop
	}
	if cmd.Flags().Changed("leverage") {
		upd.Leverage = &f.leverage
	}
	return upd, nil
}

func (f *botFlags) bot() (*domain.Bot, error) {
	side, err := domain.ParseOrderSide(f.firstOrder)
	if err != nil {
		return nil, err
	}
	bot := &domain.Bot{Symbol: f.symbol, FirstOrder: side, InfiniteLoop: f.loop, Leverage: f.leverage}
	for _, p := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"qty", f.quantity, &bot.Quantity},
		{"buy", f.buyPrice, &bot.BuyPrice},
		{"sell", f.sellPrice, &bot.SellPrice},
	} {
		d, err := parseDecimalFlag(p.name, p.raw)
		if err != nil {
			return nil, err
		}
		if d == nil {
			return nil, fmt.Errorf("--%s is required", p.name)
		}
		*p.dst = *d
	}
	return bot, nil
}

func newBotCmd() *cobra.Command {
	botCmd := &cobra.Command{
		Use:   "bot",
		Short: "Manage scalping bots",
	}

	var create botFlags
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a stopped bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			bot, err := create.bot()
			if err != nil {
				return err
			}
			return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				if err := e.CreateBot(ctx, bot); err != nil {
					return err
				}
				fmt.Printf("Created bot %s (%s)\n", bot.ID, bot.Symbol)
				return nil
			})
		},
	}
	create.register(createCmd)

	var edit botFlags
	updateCmd := &cobra.Command{
		Use:   "update <bot-id>",
		Short: "Change a bot's trading parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upd, err := edit.update(cmd)
			if err != nil {
				return err
			}
			return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				bot, err := e.UpdateBot(ctx, args[0], upd)
				if err != nil {
					return err
				}
				fmt.Printf("Updated bot %s: buy %s sell %s qty %s\n", bot.ID, bot.BuyPrice, bot.SellPrice, bot.Quantity)
				return nil
			})
		},
	}
	edit.register(updateCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List bots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				bots, err := e.ListBots(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSYMBOL\tSTATUS\tBUY\tSELL\tQTY\tTRADES\tPNL")
				for _, b := range bots {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
						b.ID, b.Symbol, b.Status, b.BuyPrice, b.SellPrice, b.Quantity, b.TotalTrades, b.PnL.StringFixed(4))
				}
				return w.Flush()
			})
		},
	}

	startCmd := &cobra.Command{
		Use:   "start <bot-id>",
		Short: "Activate a bot and place its opening order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				bot, err := e.StartBot(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Bot %s is %s\n", bot.ID, bot.Status)
				return nil
			})
		},
	}

	var cancelPending bool
	stopCmd := &cobra.Command{
		Use:   "stop <bot-id>",
		Short: "Stop a bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				bot, err := e.StopBot(ctx, args[0], cancelPending)
				if err != nil {
					return err
				}
				fmt.Printf("Bot %s is %s\n", bot.ID, bot.Status)
				return nil
			})
		},
	}
	stopCmd.Flags().BoolVar(&cancelPending, "cancel", true, "Cancel the bot's pending orders")

	cancelAllCmd := &cobra.Command{
		Use:   "cancel-all <bot-id>",
		Short: "Cancel every pending order of a bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				n, err := e.CancelAllPending(ctx, args[0], domain.CancelManual)
				if err != nil {
					return err
				}
				fmt.Printf("Cancelled %d order(s)\n", n)
				return nil
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <bot-id>",
		Short: "Stop a bot, cancel its orders and remove it with its order history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				if err := e.DeleteBot(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted bot %s\n", args[0])
				return nil
			})
		},
	}

	var limit int
	ordersCmd := &cobra.Command{
		Use:   "orders <bot-id>",
		Short: "Show a bot's orders, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				orders, err := e.ListOrders(ctx, args[0], limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tLEG\tSIDE\tPRICE\tQTY\tFILLED\tSTATUS\tPNL")
				for _, o := range orders {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						o.ID, o.Leg, o.Side, o.Price, o.Quantity, o.FilledQuantity, o.Status, o.RealizedPnL.StringFixed(4))
				}
				return w.Flush()
			})
		},
	}
	ordersCmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of orders to show")

	botCmd.AddCommand(createCmd, updateCmd, listCmd, startCmd, stopCmd, cancelAllCmd, deleteCmd, ordersCmd)
	return botCmd
}

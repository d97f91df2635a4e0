package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirdeggen/p2m/internal/config"
	"github.com/sirdeggen/p2m/internal/core/application"
	"github.com/sirdeggen/p2m/internal/core/domain"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// Version will be set during build time
var Version string

func main() {
	app := cli.NewApp()
	app.Version = Version
	app.Name = "p2m"
	app.Usage = "peer to peer MNEE token payments"
	app.Flags = config.Flags
	app.Before = loadConfigFile
	app.Commands = append(
		app.Commands,
		&sendCommand,
		&pendingCommand,
		&acceptCommand,
		&rejectCommand,
		&listenCommand,
		&depositCommand,
		&balanceCommand,
		&reconcileCommand,
		&daemonCommand,
	)

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	sendCommand = cli.Command{
		Name:   "send",
		Usage:  "Send MNEE tokens to the given identity key",
		Flags:  []cli.Flag{toFlag, unitsFlag},
		Action: sendAction,
	}
	pendingCommand = cli.Command{
		Name:   "pending",
		Usage:  "List the incoming payments waiting to be accepted",
		Action: pendingAction,
	}
	acceptCommand = cli.Command{
		Name:   "accept",
		Usage:  "Accept one or all pending payments",
		Flags:  []cli.Flag{idFlag, allFlag},
		Action: acceptAction,
	}
	rejectCommand = cli.Command{
		Name:   "reject",
		Usage:  "Reject a pending payment",
		Flags:  []cli.Flag{requiredIdFlag},
		Action: rejectAction,
	}
	listenCommand = cli.Command{
		Name:   "listen",
		Usage:  "Print incoming payments as they arrive",
		Flags:  []cli.Flag{autoAcceptFlag},
		Action: listenAction,
	}
	depositCommand = cli.Command{
		Name:   "deposit",
		Usage:  "Get a deposit address or claim the tokens sent to it",
		Flags:  []cli.Flag{checkFlag, keyIdFlag, addressFlag},
		Action: depositAction,
	}
	balanceCommand = cli.Command{
		Name:   "balance",
		Usage:  "Show the spendable MNEE balance",
		Action: balanceAction,
	}
	reconcileCommand = cli.Command{
		Name:   "reconcile",
		Usage:  "Resume interrupted payments and acknowledgements",
		Action: reconcileAction,
	}
	daemonCommand = cli.Command{
		Name:   "daemon",
		Usage:  "Run the background reconciler and accept incoming payments",
		Action: daemonAction,
	}
)

func sendAction(ctx *cli.Context) error {
	svc, err := getService(ctx)
	if err != nil {
		return err
	}
	defer svc.Stop()

	res, sendErr := svc.Send(ctx.Context, ctx.String(toFlagName), ctx.Uint64(unitsFlagName))
	if sendErr != nil {
		return sendErr
	}
	return printJSON(newSendResult(res))
}

func pendingAction(ctx *cli.Context) error {
	svc, err := getService(ctx)
	if err != nil {
		return err
	}
	defer svc.Stop()

	payments, listErr := svc.ListPending(ctx.Context)
	if listErr != nil {
		return listErr
	}
	list := make([]pendingPayment, 0, len(payments))
	for _, p := range payments {
		list = append(list, newPendingPayment(p, false))
	}
	return printJSON(list)
}

func acceptAction(ctx *cli.Context) error {
	id := ctx.String(idFlagName)
	all := ctx.Bool(allFlagName)
	if (id == "") == !all {
		return fmt.Errorf("either --%s or --%s must be set", idFlagName, allFlagName)
	}

	svc, err := getService(ctx)
	if err != nil {
		return err
	}
	defer svc.Stop()

	payments, listErr := svc.ListPending(ctx.Context)
	if listErr != nil {
		return listErr
	}

	accepted := make([]pendingPayment, 0)
	for _, p := range payments {
		if !all && p.MessageId != id {
			continue
		}
		if err := svc.Accept(ctx.Context, p); err != nil {
			if !all {
				return err
			}
			log.WithError(err).Warnf("failed to accept payment %s", p.MessageId)
			continue
		}
		accepted = append(accepted, newPendingPayment(p, false))
	}
	if !all && len(accepted) == 0 {
		return fmt.Errorf("payment %s not found", id)
	}
	return printJSON(accepted)
}

func rejectAction(ctx *cli.Context) error {
	svc, err := getService(ctx)
	if err != nil {
		return err
	}
	defer svc.Stop()

	id := ctx.String(idFlagName)
	payments, listErr := svc.ListPending(ctx.Context)
	if listErr != nil {
		return listErr
	}
	for _, p := range payments {
		if p.MessageId == id {
			if err := svc.Reject(ctx.Context, p); err != nil {
				return err
			}
			return nil
		}
	}
	return fmt.Errorf("payment %s not found", id)
}

func listenAction(ctx *cli.Context) error {
	svc, err := getService(ctx)
	if err != nil {
		return err
	}
	defer svc.Stop()

	listenCtx, cancel := signalContext(ctx.Context)
	defer cancel()

	return listen(listenCtx, svc, ctx.Bool(autoAcceptFlagName), true)
}

func depositAction(ctx *cli.Context) error {
	svc, err := getService(ctx)
	if err != nil {
		return err
	}
	defer svc.Stop()

	if !ctx.Bool(checkFlagName) {
		address, keyID, depositErr := svc.DepositAddress(ctx.Context)
		if depositErr != nil {
			return depositErr
		}
		return printJSON(map[string]string{
			"address": address,
			"keyId":   keyID,
		})
	}

	deposits, checkErr := svc.CheckDeposits(
		ctx.Context, ctx.String(addressFlagName), ctx.String(keyIdFlagName),
	)
	if checkErr != nil {
		return checkErr
	}
	list := make([]deposit, 0, len(deposits))
	for _, d := range deposits {
		list = append(list, deposit{
			Outpoint: d.Outpoint.String(),
			Units:    d.Units,
			Amount:   formatUnits(d.Units),
		})
	}
	return printJSON(list)
}

func balanceAction(ctx *cli.Context) error {
	svc, err := getService(ctx)
	if err != nil {
		return err
	}
	defer svc.Stop()

	units, balanceErr := svc.Balance(ctx.Context)
	if balanceErr != nil {
		return balanceErr
	}
	return printJSON(balance{Units: units, Amount: formatUnits(units)})
}

func reconcileAction(ctx *cli.Context) error {
	svc, err := getService(ctx)
	if err != nil {
		return err
	}
	defer svc.Stop()

	if err := svc.Reconcile(ctx.Context); err != nil {
		return err
	}
	return nil
}

func daemonAction(ctx *cli.Context) error {
	svc, err := getService(ctx)
	if err != nil {
		return err
	}

	log.Info("starting service...")
	if err := svc.Start(); err != nil {
		return err
	}
	defer func() {
		log.Info("shutting down service...")
		svc.Stop()
	}()

	daemonCtx, cancel := signalContext(ctx.Context)
	defer cancel()

	return listen(daemonCtx, svc, true, false)
}

func listen(ctx context.Context, svc application.Service, autoAccept, echo bool) error {
	onPayment := func(p domain.IncomingPayment) {
		logger := log.WithFields(log.Fields{
			"message_id": p.MessageId,
			"units":      p.Token.Units,
		})
		logger.Info("incoming payment")
		if echo {
			// nolint
			printJSON(newPendingPayment(p, false))
		}
		if !autoAccept {
			return
		}
		if err := svc.Accept(ctx, p); err != nil {
			logger.WithError(err).Warn("failed to accept payment")
			return
		}
		logger.Info("payment accepted")
	}

	if err := svc.ListenForPayments(ctx, onPayment); err != nil {
		return err
	}
	return nil
}

func getService(ctx *cli.Context) (application.Service, error) {
	cfg, err := config.LoadConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %s", err)
	}
	log.SetLevel(log.Level(cfg.LogLevel))
	log.Debugf("p2m config: %s", cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %s", err)
	}
	return cfg.AppService(), nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(
		parent, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP, os.Interrupt,
	)
}

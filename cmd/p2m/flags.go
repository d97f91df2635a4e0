package main

import (
	"github.com/urfave/cli/v2"
)

const (
	toFlagName         = "to"
	unitsFlagName      = "units"
	idFlagName         = "id"
	allFlagName        = "all"
	autoAcceptFlagName = "auto-accept"
	checkFlagName      = "check"
	keyIdFlagName      = "key-id"
	addressFlagName    = "address"
)

var (
	toFlag = &cli.StringFlag{
		Name:     toFlagName,
		Usage:    "identity key of the beneficiary",
		Required: true,
	}
	unitsFlag = &cli.Uint64Flag{
		Name:     unitsFlagName,
		Usage:    "amount to send in token units (1 MNEE = 100000 units)",
		Required: true,
	}
	idFlag = &cli.StringFlag{
		Name:  idFlagName,
		Usage: "message id of the incoming payment",
	}
	requiredIdFlag = &cli.StringFlag{
		Name:     idFlagName,
		Usage:    "message id of the incoming payment",
		Required: true,
	}
	allFlag = &cli.BoolFlag{
		Name:  allFlagName,
		Usage: "accept every pending payment",
	}
	autoAcceptFlag = &cli.BoolFlag{
		Name:  autoAcceptFlagName,
		Usage: "accept incoming payments as they arrive",
	}
	checkFlag = &cli.BoolFlag{
		Name:  checkFlagName,
		Usage: "internalize the tokens received at a deposit address",
	}
	keyIdFlag = &cli.StringFlag{
		Name:  keyIdFlagName,
		Usage: "key id returned along with the deposit address",
	}
	addressFlag = &cli.StringFlag{
		Name:  addressFlagName,
		Usage: "deposit address, derived from the key id if unset",
	}
)

// Package utils holds helpers shared by the command line tools.
package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	AS "github.com/williballenthin/vivutils/address_space"
)

func CheckRequiredArgs(c *cli.Context, requiredFlags []cli.StringFlag) error {
	for _, flag := range requiredFlags {
		if c.GlobalString(flag.Name) != "" {
			continue
		}
		if c.String(flag.Name) != "" {
			continue
		}
		return cli.NewExitError(fmt.Sprintf("Error: '%s' value required", flag.Name), 1)
	}
	return nil
}

func DoesPathExist(p string) bool {
	_, e := os.Stat(p)
	if e == nil {
		return true
	}
	if os.IsNotExist(e) {
		return false
	}
	return true
}

// ParseVA parses a hexadecimal address, with or without the 0x prefix.
func ParseVA(s string) (AS.VA, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, e := strconv.ParseUint(s, 0x10, 64)
	if e != nil {
		return 0, e
	}
	return AS.VA(v), nil
}

var VerboseFlag = cli.BoolFlag{
	Name:  "verbose",
	Usage: "print debugging output",
}

// SetupLogging enables debug logging when --verbose is given.
func SetupLogging(c *cli.Context) {
	if c.Bool(VerboseFlag.Name) || c.GlobalBool(VerboseFlag.Name) {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/mdp/qrterminal/v3"
)

// ANSI color codes.
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	cyan  = "\033[36m"
	dim   = "\033[2m"
)

// TeleMux ASCII art logo.
var logoLines = [6]string{
	`  _____    _        __  __            `,
	` |_   _|__| | ___  |  \/  |_   ___  __`,
	`   | |/ _ \ |/ _ \ | |\/| | | | \ \/ /`,
	`   | |  __/ |  __/ | |  | | |_| |>  < `,
	`   |_|\___|_|\___| |_|  |_|\__,_/_/\_\`,
	`                                      `,
}

// PrintBanner prints the TeleMux ASCII art logo with version and the
// listener addresses below it. Colors are used only when stderr is a TTY.
func PrintBanner(ver, notifyAddr, webhookAddr string) {
	color := stderrIsTTY()

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, logoLines[i], reset)
		} else {
			fmt.Fprintln(os.Stderr, logoLines[i])
		}
	}

	// Info line below the art.
	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %snotify%s %s   %swebhook%s %s\n\n",
			dim, reset, ver, dim, reset, notifyAddr, dim, reset, webhookAddr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   notify %s   webhook %s\n\n",
			ver, notifyAddr, webhookAddr)
	}
}

// PrintChatQR renders a terminal QR code for the chat deep link so the
// operator can open the bot conversation from a phone. Skipped when
// stderr is not a TTY.
func PrintChatQR(link string) {
	if link == "" || !stderrIsTTY() {
		return
	}
	fmt.Fprintln(os.Stderr, "  Scan to open the chat:")
	qrterminal.GenerateHalfBlock(link, qrterminal.L, os.Stderr)
	fmt.Fprintf(os.Stderr, "  %s\n\n", link)
}

func stderrIsTTY() bool {
	return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
}

// Package logging configures the relay's structured logger and the small
// colorized banner/section helpers carried over from the teacher's plain
// logger package.
package logging

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Configure sets the package-wide logrus level and formatter. level is one
// of logrus's level names (debug, info, warn, error); an unrecognized
// value falls back to info.
func Configure(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logrus.SetLevel(parsed)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
}

// Section prints a colored section header to stdout, in the teacher's
// box-drawing style, for the handful of startup/shutdown milestones worth
// calling out visually rather than as a structured log line.
func Section(title string) {
	border := strings.Repeat("═", 61)
	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Printf("\n%s\n", cyan("╔"+border+"╗"))
	fmt.Printf("%s %-57s %s\n", cyan("║"), title, cyan("║"))
	fmt.Printf("%s\n\n", cyan("╚"+border+"╝"))
}

// Banner prints the relay's startup banner.
func Banner(version string) {
	cyan := color.New(color.FgCyan).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf(`
%s
%s  game relay
%s  %s
%s
`,
		cyan("╔══════════════════════════════════╗"),
		cyan("║"),
		cyan("║"),
		green("version "+version),
		cyan("╚══════════════════════════════════╝"))
}

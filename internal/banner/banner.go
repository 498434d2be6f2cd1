package banner

import (
	"fmt"
	"strings"
)

const logo = `
======================================================================
       _                        _ _
 _ __ | | ___ __ ___   ___  __| (_) __ _
| '_ \| |/ / '_ ` + "`" + ` _ \ / _ \/ _` + "`" + ` | |/ _` + "`" + ` |
| | | |   <| | | | | |  __/ (_| | | (_| |
|_| |_|_|\_\_| |_| |_|\___|\__,_|_|\__,_|
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine is one configuration line to display at startup.
type ConfigLine struct {
	Label string
	Value string
}

// Print displays the startup banner with the service name and its
// configuration.
func Print(serviceName string, config []ConfigLine) {
	fmt.Println(logo)
	fmt.Printf("%s\n", serviceName)

	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}
	for _, c := range config {
		padding := strings.Repeat(" ", maxLen-len(c.Label))
		fmt.Printf("  %s%s : %s\n", c.Label, padding, c.Value)
	}

	fmt.Println()
	fmt.Println("Ready.")
	fmt.Println(footer)
	fmt.Println()
}

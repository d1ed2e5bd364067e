package cmd

import (
	"fmt"
)

const banner = `
   ____                     _
  / ___|_   _  __ _ _ __ __| |
 | |  _| | | |/ _` + "`" + ` | '__/ _` + "`" + ` |
 | |_| | |_| | (_| | | | (_| |
  \____|\__,_|\__,_|_|  \__,_|

`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Authentication and Account Security - Version %s\x1b[0m\n\n", Version)
}

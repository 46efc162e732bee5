// The main package for the mediascrape executable.
package main

import "github.com/JakeFAU/mediascrape/cmd"

func main() {
	cmd.Execute()
}

// Command popscrape scrapes country populations from Wikipedia.
package main

import "github.com/JakeFAU/popscrape/cmd"

func main() {
	cmd.Execute()
}

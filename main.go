// The main package for the pagecapture executable.
package main

import "github.com/JakeFAU/pagecapture/cmd"

func main() {
	cmd.Execute()
}

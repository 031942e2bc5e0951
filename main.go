// Command ingestion runs the log ingestion service.
package main

import (
	"github.com/JakeFAU/ingestion-runtime/cmd"
)

func main() {
	cmd.Execute()
}

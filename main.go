// Command jobcrawl crawls company career sites and aggregates job postings.
package main

import "github.com/JakeFAU/job-aggregator/cmd"

func main() {
	cmd.Execute()
}

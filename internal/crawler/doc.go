// Package crawler holds the domain model shared by the careers crawl engine:
// targets, crawl jobs, fetch results, candidate links, job records, the
// failure taxonomy, and the URL helpers every stage keys on.
package crawler

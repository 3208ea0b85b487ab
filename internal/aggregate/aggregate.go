// Package aggregate merges per-target job records into one canonical dataset.
package aggregate

import (
	"net/url"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
)

// Dataset is an ordered, deduplicated set of job records. It is immutable:
// Records returns a copy.
type Dataset struct {
	records []crawler.JobRecord
}

// Records returns a copy of the rows in dataset order.
func (d Dataset) Records() []crawler.JobRecord {
	return append([]crawler.JobRecord(nil), d.records...)
}

// Len reports the number of rows.
func (d Dataset) Len() int {
	return len(d.records)
}

// Companies lists the distinct companies in dataset order.
func (d Dataset) Companies() []string {
	var out []string
	for i, r := range d.records {
		if i == 0 || r.Company != d.records[i-1].Company {
			out = append(out, r.Company)
		}
	}
	return out
}

// Aggregate concatenates results, normalizes every record, keeps the most
// confident record per (company, url) and sorts by company, title and url.
// The result does not depend on the order of its inputs, and aggregating a
// dataset's own records returns an equal dataset.
func Aggregate(results ...[]crawler.JobRecord) Dataset {
	// Casers carry state and are not shared between calls.
	n := normalizer{fold: cases.Fold(), title: cases.Title(language.English)}
	best := make(map[string]crawler.JobRecord)
	for _, batch := range results {
		for _, raw := range batch {
			record, ok := n.normalize(raw)
			if !ok {
				continue
			}
			key := n.dedupKey(record)
			if current, seen := best[key]; !seen || better(record, current) {
				best[key] = record
			}
		}
	}

	records := make([]crawler.JobRecord, 0, len(best))
	for _, r := range best {
		records = append(records, r)
	}
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if c := n.compareFolded(a.Company, b.Company); c != 0 {
			return c < 0
		}
		if c := n.compareFolded(a.Title, b.Title); c != 0 {
			return c < 0
		}
		return a.URL < b.URL
	})
	return Dataset{records: records}
}

type normalizer struct {
	fold  cases.Caser
	title cases.Caser
}

func (n normalizer) compareFolded(a, b string) int {
	fa, fb := n.fold.String(a), n.fold.String(b)
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func (n normalizer) dedupKey(r crawler.JobRecord) string {
	return n.fold.String(r.Company) + "\x00" + canonicalURL(r.URL)
}

// canonicalURL lowercases scheme and host and drops a trailing path slash.
// The fragment is kept: pages listing several postings without their own
// links distinguish them by fragment.
func canonicalURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}
	return u.String()
}

// better orders duplicates: higher confidence first, then the record with
// more fields filled, then a lexical tie-break so the winner never depends
// on input order.
func better(a, b crawler.JobRecord) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if fa, fb := filled(a), filled(b); fa != fb {
		return fa > fb
	}
	for _, pair := range [][2]string{
		// Companies differing only in case share a dedup key.
		{a.Company, b.Company},
		{string(a.Strategy), string(b.Strategy)},
		{a.Title, b.Title},
		{a.URL, b.URL},
		{a.LocationOrEmpty(), b.LocationOrEmpty()},
		{a.CompensationOrEmpty(), b.CompensationOrEmpty()},
		{a.Description, b.Description},
		{a.Responsibilities, b.Responsibilities},
		{a.Qualifications, b.Qualifications},
	} {
		if pair[0] != pair[1] {
			return pair[0] > pair[1]
		}
	}
	return false
}

func filled(r crawler.JobRecord) int {
	n := 0
	for _, v := range []string{r.LocationOrEmpty(), r.CompensationOrEmpty(), r.Description, r.Responsibilities, r.Qualifications} {
		if v != "" {
			n++
		}
	}
	return n
}

func (n normalizer) normalize(r crawler.JobRecord) (crawler.JobRecord, bool) {
	r.Company = clean(r.Company)
	r.Title = n.normalizeTitle(r.Title)
	r.URL = strings.TrimSpace(r.URL)
	if r.Company == "" || !r.Valid() {
		return crawler.JobRecord{}, false
	}
	r.Location = crawler.StringPtr(clean(r.LocationOrEmpty()))
	r.Compensation = crawler.StringPtr(clean(r.CompensationOrEmpty()))
	r.Description = cleanBlock(r.Description)
	r.Responsibilities = cleanBlock(r.Responsibilities)
	r.Qualifications = cleanBlock(r.Qualifications)
	switch {
	case r.Confidence < 0:
		r.Confidence = 0
	case r.Confidence > 1:
		r.Confidence = 1
	}
	return r, true
}

// normalizeTitle fixes titles shouted in capitals or written all lower case;
// mixed-case titles are kept as written.
func (n normalizer) normalizeTitle(s string) string {
	s = clean(s)
	hasUpper, hasLower := false, false
	for _, r := range s {
		if unicode.IsUpper(r) {
			hasUpper = true
		}
		if unicode.IsLower(r) {
			hasLower = true
		}
	}
	if hasUpper != hasLower {
		return n.title.String(s)
	}
	return s
}

// clean applies NFC and collapses whitespace to single spaces.
func clean(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// cleanBlock keeps line breaks but collapses blank lines and inner runs of spaces.
func cleanBlock(s string) string {
	lines := strings.Split(norm.NFC.String(s), "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

package coverage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"captain/internal/workdir"
)

// LogName is the per-campaign report a coverage image writes to /out.
const LogName = "coverage.log"

// The report repeats a lines/functions/branches triple per measurement;
// the branch line is the third of each.
var branchPattern = regexp.MustCompile(`\((\d+) of \d+ branches\)`)

// Campaign is the branch hit series of one coverage output directory.
type Campaign struct {
	ID       int
	Branches []int
}

// Summary is the branch hit data of one fuzzer/target pair.
type Summary struct {
	Fuzzer    string
	Target    string
	Campaigns []Campaign

	// Average holds per-measurement means over the columns every campaign
	// has.
	Average []float64
}

// FileName is the data file the summary is written to.
func (s Summary) FileName() string {
	return fmt.Sprintf("%s_%s_branch_count.txt", s.Target, s.Fuzzer)
}

// Collect reads every coverage log under the workdir. Pairs without a
// readable branch series are left out.
func Collect(layout workdir.Layout) ([]Summary, error) {
	root := layout.CoverageRoot()
	fuzzers, err := readDirs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read coverage directory: %w", err)
	}
	sort.Strings(fuzzers)

	var summaries []Summary
	for _, fuzzer := range fuzzers {
		targets, _ := readDirs(filepath.Join(root, fuzzer))
		sort.Strings(targets)
		for _, target := range targets {
			s := Summary{Fuzzer: fuzzer, Target: target}
			names, _ := readDirs(filepath.Join(root, fuzzer, target))
			for _, name := range names {
				id, err := strconv.Atoi(name)
				if err != nil {
					continue
				}
				counts, err := BranchCounts(filepath.Join(root, fuzzer, target, name, LogName))
				if err != nil || len(counts) == 0 {
					continue
				}
				s.Campaigns = append(s.Campaigns, Campaign{ID: id, Branches: counts})
			}
			if len(s.Campaigns) == 0 {
				continue
			}
			sort.Slice(s.Campaigns, func(i, j int) bool { return s.Campaigns[i].ID < s.Campaigns[j].ID })
			s.Average = average(s.Campaigns)
			summaries = append(summaries, s)
		}
	}
	return summaries, nil
}

// BranchCounts extracts the branch hit count of every measurement in a
// coverage log.
func BranchCounts(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var counts []int
	scanner := bufio.NewScanner(f)
	for i := 0; scanner.Scan(); i++ {
		if i%3 != 2 {
			continue
		}
		m := branchPattern.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		counts = append(counts, n)
	}
	return counts, scanner.Err()
}

func average(campaigns []Campaign) []float64 {
	columns := len(campaigns[0].Branches)
	for _, c := range campaigns[1:] {
		if len(c.Branches) < columns {
			columns = len(c.Branches)
		}
	}
	if columns == 0 {
		return nil
	}
	avg := make([]float64, columns)
	for i := range avg {
		sum := 0
		for _, c := range campaigns {
			sum += c.Branches[i]
		}
		avg[i] = float64(sum) / float64(len(campaigns))
	}
	return avg
}

// Format renders the data file contents.
func (s Summary) Format() string {
	var b strings.Builder
	for _, c := range s.Campaigns {
		b.WriteString(strconv.Itoa(c.ID))
		for _, n := range c.Branches {
			b.WriteByte(' ')
			b.WriteString(strconv.Itoa(n))
		}
		b.WriteByte('\n')
	}
	if len(s.Average) > 0 {
		b.WriteString("avg")
		for _, a := range s.Average {
			b.WriteString(" " + strconv.FormatFloat(a, 'f', 2, 64))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Summarize collects every pair and writes its data file under
// graph/data. It returns the summaries written.
func Summarize(layout workdir.Layout) ([]Summary, error) {
	summaries, err := Collect(layout)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(layout.GraphData(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	for _, s := range summaries {
		path := filepath.Join(layout.GraphData(), s.FileName())
		if err := os.WriteFile(path, []byte(s.Format()), 0644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return summaries, nil
}

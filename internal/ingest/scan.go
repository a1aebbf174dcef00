package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var fileNamePattern = regexp.MustCompile(`^trades-\d{4}-\d{2}-\d{2}\.jsonl$`)

type rawEvent struct {
	seq        int64
	tsEpoch    float64
	bot        string
	kind       string
	traceID    string
	workflowID string
	mode       string
	raw        json.RawMessage
	id         string
}

type fileState struct {
	size      int64
	lineCount int64
	events    []rawEvent
}

// Scanner incrementally scans a trade-journal directory tree, caching
// per-file read offsets so a re-scan only parses appended bytes of files it
// has already read in full.
type Scanner struct {
	root string

	mu        sync.Mutex
	files     map[string]*fileState
	nextSeq   int64
	warnedBad map[string]bool
}

// NewScanner builds a Scanner rooted at dir (the TRADES_DIR).
func NewScanner(dir string) *Scanner {
	return &Scanner{
		root:      dir,
		files:     make(map[string]*fileState),
		warnedBad: make(map[string]bool),
	}
}

// Scan re-reads any appended bytes since the last call, merges them with
// previously-cached lines, and returns the full derived event list sorted
// by (ts_epoch asc, seq asc) with synthetic trace ids assigned.
func (s *Scanner) Scan() ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		bot := entry.Name()
		botDir := filepath.Join(s.root, bot)
		files, err := os.ReadDir(botDir)
		if err != nil {
			log.Printf("ingest: failed to list %s: %v", botDir, err)
			continue
		}
		for _, f := range files {
			if f.IsDir() || !fileNamePattern.MatchString(f.Name()) {
				continue
			}
			if err := s.scanFile(botDir, bot, f.Name()); err != nil {
				log.Printf("ingest: failed to scan %s: %v", filepath.Join(botDir, f.Name()), err)
			}
		}
	}

	var all []rawEvent
	for _, fs := range s.files {
		all = append(all, fs.events...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].tsEpoch != all[j].tsEpoch {
			return all[i].tsEpoch < all[j].tsEpoch
		}
		return all[i].seq < all[j].seq
	})

	return deriveTraces(all), nil
}

func (s *Scanner) scanFile(botDir, bot, name string) error {
	path := filepath.Join(botDir, name)
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	fs, ok := s.files[path]
	if !ok || info.Size() < fs.size {
		fs = &fileState{}
	}
	if info.Size() == fs.size {
		s.files[path] = fs
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(fs.size, io.SeekStart); err != nil {
		return err
	}

	basename := strings.TrimSuffix(name, filepath.Ext(name))
	lineIdx := fs.lineCount
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			if !s.warnedBad[path] {
				log.Printf("ingest: skipping malformed JSON line in %s: %v", path, err)
				s.warnedBad[path] = true
			}
			lineIdx++
			continue
		}

		bot := bot
		if v, ok := parsed["bot"].(string); ok && v != "" {
			bot = v
		}
		kind, _ := parsed["kind"].(string)
		traceID, _ := parsed["trace_id"].(string)
		workflowID, _ := parsed["workflow_id"].(string)
		mode, _ := parsed["mode"].(string)
		ts := safeFloat(parsed["ts"])

		id := fmt.Sprintf("%s:%s:%d", bot, basename, lineIdx)
		ev := rawEvent{
			seq:        s.nextSeq,
			tsEpoch:    ts,
			bot:        bot,
			kind:       kind,
			traceID:    traceID,
			workflowID: workflowID,
			mode:       mode,
			raw:        json.RawMessage(line),
			id:         id,
		}
		s.nextSeq++
		fs.events = append(fs.events, ev)
		lineIdx++
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fs.size = info.Size()
	fs.lineCount = lineIdx
	s.files[path] = fs
	return nil
}

// safeFloat extracts a ts value as a unix-epoch-seconds float, accepting a
// bare number, a numeric string, or an RFC3339 timestamp string.
func safeFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
		if t, err := time.Parse(time.RFC3339, n); err == nil {
			return float64(t.Unix())
		}
		return 0
	default:
		return 0
	}
}

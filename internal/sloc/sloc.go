// Package sloc classifies generated source trees into production and test
// lines of code per target language.
//
// Each language has a profile: an extension filter plus a pure per-file
// split function. Three profiles classify whole files by path or name
// convention; the rust profile splits a single file on its inline test
// module marker using a brace-depth state machine, so no language parser
// is needed.
package sloc

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Counts is the aggregate classification result for a directory tree.
type Counts struct {
	Production int
	Test       int
	Files      int
}

// Languages returns the supported language tags.
func Languages() []string {
	tags := make([]string, 0, len(profiles))
	for tag := range profiles {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Classify walks root recursively, classifying every file matching the
// language's extension filter. Unreadable files are skipped and contribute
// nothing. An unknown language tag is an error.
func Classify(root, lang string) (Counts, error) {
	p, ok := profiles[lang]
	if !ok {
		return Counts{}, fmt.Errorf("sloc: unknown language %q (supported: %v)", lang, Languages())
	}

	files, err := collectFiles(root, p.ext)
	if err != nil {
		return Counts{}, err
	}

	var counts Counts
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		rel := relOrSelf(root, path)
		prod, test := p.split(rel, string(data))
		counts.Production += prod
		counts.Test += test
		counts.Files++
	}
	return counts, nil
}

// ClassifyParallel is Classify with per-file scans fanned out over at most
// workers goroutines. The per-file split is pure, so only the accumulation
// needs a lock.
func ClassifyParallel(root, lang string, workers int) (Counts, error) {
	p, ok := profiles[lang]
	if !ok {
		return Counts{}, fmt.Errorf("sloc: unknown language %q (supported: %v)", lang, Languages())
	}
	if workers < 1 {
		workers = 1
	}

	files, err := collectFiles(root, p.ext)
	if err != nil {
		return Counts{}, err
	}

	var (
		mu     sync.Mutex
		counts Counts
	)
	var g errgroup.Group
	g.SetLimit(workers)
	for _, path := range files {
		path := path
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			prod, test := p.split(relOrSelf(root, path), string(data))
			mu.Lock()
			counts.Production += prod
			counts.Test += test
			counts.Files++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Counts{}, err
	}
	return counts, nil
}

func collectFiles(root, ext string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() && filepath.Ext(path) == ext {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sloc: walk %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

func relOrSelf(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

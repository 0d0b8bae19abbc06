package pcap

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// captureExts are the file extensions treated as captures.
var captureExts = map[string]bool{".pcap": true, ".pcapng": true, ".cap": true}

// CollectPcapFiles returns sorted capture files under the root directory.
func CollectPcapFiles(root string) ([]string, error) {
	var pcaps []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if captureExts[strings.ToLower(filepath.Ext(path))] {
			pcaps = append(pcaps, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk captures: %w", err)
	}
	sort.Strings(pcaps)
	return pcaps, nil
}

// ExpandInputs resolves a mix of files and directories into capture paths.
// Files are taken as given; directories are walked.
func ExpandInputs(inputs []string) ([]string, error) {
	var out []string
	for _, in := range inputs {
		info, err := os.Stat(in)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", in, err)
		}
		if !info.IsDir() {
			out = append(out, in)
			continue
		}
		files, err := CollectPcapFiles(in)
		if err != nil {
			return nil, err
		}
		out = append(out, files...)
	}
	return out, nil
}

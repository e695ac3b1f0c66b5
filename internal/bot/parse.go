package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// WatchArgs holds the parsed arguments of a /watch command.
type WatchArgs struct {
	Keyword    string
	Categories []string
}

// ParseWatchArgs parses "<keyword> [| Cat1, Cat2]".
func ParseWatchArgs(args string) (WatchArgs, error) {
	keyword, cats, hasCats := strings.Cut(args, "|")
	keyword = strings.Join(strings.Fields(keyword), " ")
	if keyword == "" {
		return WatchArgs{}, fmt.Errorf("usage: /watch <keyword> [| Category1, Category2]")
	}

	out := WatchArgs{Keyword: keyword}
	if !hasCats {
		return out, nil
	}
	for _, c := range strings.Split(cats, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			out.Categories = append(out.Categories, c)
		}
	}
	return out, nil
}

// ParseIDArg extracts a numeric ID from a command argument string.
func ParseIDArg(args string) (int64, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("watch ID is required")
	}
	s = strings.TrimPrefix(strings.Fields(s)[0], "#")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid watch ID %q", s)
	}
	return id, nil
}

// ABOUTME: Fixed directed transformation graph and shortest-path resolution
// ABOUTME: STRUCTURED->JSON->MARKDOWN->TEXT always reachable; HTML<->MARKDOWN direct; TEXT is a sink

package transform

import "github.com/2389/coven-relay/internal/message"

// converter rewrites content for one edge. It may record details in meta.
type converter func(content string, meta map[string]any) (string, error)

type edge struct {
	to   message.Format
	conv converter
}

// graph is the complete set of allowed single-step conversions. Neighbour
// order is fixed so path resolution is deterministic. TEXT has no outgoing
// edges.
var graph = map[message.Format][]edge{
	message.FormatStructured: {
		{message.FormatJSON, structuredToJSON},
	},
	message.FormatJSON: {
		{message.FormatMarkdown, jsonToMarkdown},
	},
	message.FormatMarkdown: {
		{message.FormatText, markdownToText},
		{message.FormatHTML, markdownToHTML},
	},
	message.FormatHTML: {
		{message.FormatMarkdown, htmlToMarkdown},
		{message.FormatText, htmlToText},
	},
}

// Path returns the shortest chain of formats from -> to, inclusive of both
// ends. Identical formats yield a single-element path.
func Path(from, to message.Format) ([]message.Format, error) {
	if !from.Valid() || !to.Valid() {
		return nil, &UnsupportedTransformationError{From: from, To: to}
	}
	if from == to {
		return []message.Format{from}, nil
	}

	prev := map[message.Format]message.Format{from: from}
	queue := []message.Format{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range graph[cur] {
			if _, seen := prev[e.to]; seen {
				continue
			}
			prev[e.to] = cur
			if e.to == to {
				return buildPath(prev, from, to), nil
			}
			queue = append(queue, e.to)
		}
	}
	return nil, &UnsupportedTransformationError{From: from, To: to}
}

func buildPath(prev map[message.Format]message.Format, from, to message.Format) []message.Format {
	var rev []message.Format
	for f := to; f != from; f = prev[f] {
		rev = append(rev, f)
	}
	rev = append(rev, from)

	path := make([]message.Format, len(rev))
	for i, f := range rev {
		path[len(rev)-1-i] = f
	}
	return path
}

func converterFor(from, to message.Format) converter {
	for _, e := range graph[from] {
		if e.to == to {
			return e.conv
		}
	}
	// Path only yields edges present in graph.
	panic("transform: missing edge " + string(from) + " -> " + string(to))
}

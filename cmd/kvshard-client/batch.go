package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type request struct {
	op    string // get, put or del
	key   string
	value string
}

// parseBatch reads a request file: the first line is the request count,
// then one request per line as "1 KEY", "2 KEY VALUE" or "3 KEY".
func parseBatch(r io.Reader) ([]request, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("batch: empty input")
	}
	count, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
	if err != nil || count < 0 {
		return nil, fmt.Errorf("batch: line 1: invalid request count %q", sc.Text())
	}

	reqs := make([]request, 0, count)
	for line := 2; len(reqs) < count && sc.Scan(); line++ {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		req, err := parseRequest(fields)
		if err != nil {
			return nil, fmt.Errorf("batch: line %d: %w", line, err)
		}
		reqs = append(reqs, req)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(reqs) != count {
		return nil, fmt.Errorf("batch: header says %d requests, found %d", count, len(reqs))
	}
	return reqs, nil
}

func parseRequest(fields []string) (request, error) {
	switch fields[0] {
	case "1":
		if len(fields) != 2 {
			return request{}, fmt.Errorf("GET wants 1 argument")
		}
		return request{op: "get", key: fields[1]}, nil
	case "2":
		if len(fields) != 3 {
			return request{}, fmt.Errorf("PUT wants 2 arguments")
		}
		return request{op: "put", key: fields[1], value: fields[2]}, nil
	case "3":
		if len(fields) != 2 {
			return request{}, fmt.Errorf("DELETE wants 1 argument")
		}
		return request{op: "del", key: fields[1]}, nil
	}
	return request{}, fmt.Errorf("unknown request type %q", fields[0])
}

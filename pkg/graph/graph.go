package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/chen-yuxuan/jina/pkg/types"
)

var (
	// ErrNoStart is returned when the description lacks a start-gateway node.
	ErrNoStart = errors.New("topology has no start-gateway node")

	// ErrCycle is returned when the description contains a cycle.
	ErrCycle = errors.New("topology contains a cycle")

	// ErrUnreachable is returned when a pod cannot be reached from start-gateway.
	ErrUnreachable = errors.New("pod not reachable from start-gateway")

	// ErrMissingAddress is returned when a pod in the graph has no head address.
	ErrMissingAddress = errors.New("no addresses for pod")
)

// Graph is the immutable topology a gateway walks per request. Nodes are
// pod names plus the two distinguished gateway nodes; edges point in the
// direction of data flow.
type Graph struct {
	succ map[string][]string
	pred map[string][]string
	pods []string
}

// Parse decodes a topology description of the form
//
//	{"start-gateway": ["pod0"], "pod0": ["end-gateway"]}
//
// and validates it: acyclic, every pod reachable from start-gateway.
// Pods that cannot reach end-gateway are hanging pods and legal.
func Parse(description string) (*Graph, error) {
	var raw map[string][]string
	if err := json.Unmarshal([]byte(description), &raw); err != nil {
		return nil, fmt.Errorf("invalid graph description: %w", err)
	}
	return build(raw)
}

func build(raw map[string][]string) (*Graph, error) {
	if _, ok := raw[types.GatewayStart]; !ok {
		return nil, ErrNoStart
	}

	g := &Graph{
		succ: make(map[string][]string),
		pred: make(map[string][]string),
	}

	for from, tos := range raw {
		if from == types.GatewayEnd {
			continue
		}
		g.succ[from] = append(g.succ[from], tos...)
		for _, to := range tos {
			g.pred[to] = append(g.pred[to], from)
			if _, ok := g.succ[to]; !ok && to != types.GatewayEnd {
				g.succ[to] = nil
			}
		}
	}

	for name := range g.succ {
		if name == types.GatewayStart {
			continue
		}
		g.pods = append(g.pods, name)
	}
	sort.Strings(g.pods)

	// Keep edge lists in deterministic order; fan-in merges rely on it.
	for _, edges := range g.succ {
		sort.Strings(edges)
	}
	for _, edges := range g.pred {
		sort.Strings(edges)
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	if err := g.checkReachable(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs a depth-first search with white/gray/black coloring.
func (g *Graph) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.succ))

	var visit func(string) error
	visit = func(n string) error {
		color[n] = gray
		for _, m := range g.succ[n] {
			if m == types.GatewayEnd {
				continue
			}
			switch color[m] {
			case gray:
				return fmt.Errorf("%w: via %s -> %s", ErrCycle, n, m)
			case white:
				if err := visit(m); err != nil {
					return err
				}
			}
		}
		color[n] = black
		return nil
	}

	for n := range g.succ {
		if color[n] == white {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) checkReachable() error {
	seen := map[string]bool{types.GatewayStart: true}
	queue := []string{types.GatewayStart}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, m := range g.succ[n] {
			if m == types.GatewayEnd || seen[m] {
				continue
			}
			seen[m] = true
			queue = append(queue, m)
		}
	}
	for _, pod := range g.pods {
		if !seen[pod] {
			return fmt.Errorf("%w: %s", ErrUnreachable, pod)
		}
	}
	return nil
}

// Roots returns the pods fed directly by start-gateway.
func (g *Graph) Roots() []string {
	return g.succ[types.GatewayStart]
}

// Pods returns every pod name in lexicographic order.
func (g *Graph) Pods() []string {
	return g.pods
}

// Successors returns the pods fed by pod, possibly including end-gateway.
func (g *Graph) Successors(pod string) []string {
	return g.succ[pod]
}

// Predecessors returns the nodes feeding pod, possibly including
// start-gateway, in lexicographic order.
func (g *Graph) Predecessors(pod string) []string {
	return g.pred[pod]
}

// IsHanging reports whether pod has no successors at all: it is invoked
// fire-and-forget and its output never reaches the client.
func (g *Graph) IsHanging(pod string) bool {
	return len(g.succ[pod]) == 0
}

// EndPods returns the pods feeding end-gateway, in lexicographic order.
// The client receives one response per end pod per request.
func (g *Graph) EndPods() []string {
	return g.pred[types.GatewayEnd]
}

// Addresses maps pod names to the head endpoints serving them.
type Addresses map[string][]string

// ParseAddresses decodes a pod-address table of the form
//
//	{"pod0": ["127.0.0.1:1234", "127.0.0.1:1235"]}
//
// and verifies that every pod in g has at least one address. A missing
// address is a fatal topology error at gateway startup.
func ParseAddresses(description string, g *Graph) (Addresses, error) {
	var addrs Addresses
	if err := json.Unmarshal([]byte(description), &addrs); err != nil {
		return nil, fmt.Errorf("invalid deployments addresses: %w", err)
	}
	for _, pod := range g.Pods() {
		if len(addrs[pod]) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingAddress, pod)
		}
	}
	return addrs, nil
}

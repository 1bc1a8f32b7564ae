package doctor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/socmind/socmind/internal/group"
	"github.com/socmind/socmind/internal/timeline"
)

// Options selects what to check. Empty fields skip their checks.
type Options struct {
	KafkaBrokers string // comma separated
	TopicPrefix  string
	StoreDriver  string
	StorePath    string
	GatewayURL   string
	Timeout      time.Duration
}

// Run executes every configured check and returns the report.
func Run(ctx context.Context, opts Options) *Report {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	r := &Report{StartedAt: time.Now()}

	if strings.TrimSpace(opts.KafkaBrokers) == "" {
		r.add(Row{"kafka", "-", L7, SKIP, "No Kafka brokers configured (memory broker)", ""})
	} else {
		for _, addr := range strings.Split(opts.KafkaBrokers, ",") {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			checkBroker(ctx, r, addr, opts)
		}
	}

	if opts.StorePath != "" {
		checkStore(ctx, r, opts.StoreDriver, opts.StorePath)
	}
	if opts.GatewayURL != "" {
		checkGateway(ctx, r, opts.GatewayURL, opts.Timeout)
	}

	r.FinishedAt = time.Now()
	r.summarize()
	return r
}

func checkBroker(ctx context.Context, r *Report, addr string, opts Options) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		r.add(Row{"kafka", addr, L3, FAIL, fmt.Sprintf("invalid address: %v", err), "Use host:port."})
		return
	}
	if !checkDNS(r, host) {
		return
	}
	tcp := checkTCP(r, addr, opts.Timeout)
	if tcp == nil {
		return
	}
	tcp.Close()

	dctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	conn, err := (&kafka.Dialer{Timeout: opts.Timeout}).DialContext(dctx, "tcp", addr)
	if err != nil {
		r.add(Row{"kafka", addr, L7, FAIL, fmt.Sprintf("broker dial failed: %v", err), "Listener not exposed or advertised.listeners mismatch."})
		return
	}
	defer conn.Close()
	if _, err := conn.ApiVersions(); err != nil {
		r.add(Row{"kafka", addr, L7, FAIL, fmt.Sprintf("ApiVersions failed: %v", err), "Broker incompatible or proxy interfering."})
		return
	}
	r.add(Row{"kafka", addr, L7, OK, "ApiVersions OK", ""})

	parts, err := conn.ReadPartitions()
	if err != nil {
		r.add(Row{"kafka", addr, L7, WARN, fmt.Sprintf("metadata read failed: %v", err), "Check DESCRIBE permissions."})
		return
	}
	topics := make(map[string]struct{})
	for _, p := range parts {
		topics[p.Topic] = struct{}{}
	}
	inboxes, controls, dlq := CountTopics(group.NewTopicNames(opts.TopicPrefix), topics)
	detail := fmt.Sprintf("%d chat inboxes, %d control channels", inboxes, controls)
	if !dlq {
		r.add(Row{"kafka", addr, L7, WARN, detail + ", no dead-letter topic", "Created on first chat; run 'socmind seed' or start serve."})
		return
	}
	r.add(Row{"kafka", addr, L7, OK, detail + ", dead-letter present", ""})
}

// CountTopics classifies broker topics under the naming scheme.
func CountTopics(names group.TopicNames, topics map[string]struct{}) (inboxes, controls int, deadLetter bool) {
	chatPrefix := names.Prefix + ".chat."
	controlPrefix := names.Prefix + ".control."
	for t := range topics {
		switch {
		case strings.HasPrefix(t, chatPrefix):
			inboxes++
		case strings.HasPrefix(t, controlPrefix):
			controls++
		case t == names.DeadLetter():
			deadLetter = true
		}
	}
	return inboxes, controls, deadLetter
}

func checkDNS(r *Report, host string) bool {
	if _, err := net.LookupHost(host); err != nil {
		r.add(Row{"kafka", host, L3, FAIL, fmt.Sprintf("DNS lookup failed: %v", err),
			"Check /etc/hosts, DNS server, or VPN search domains."})
		return false
	}
	r.add(Row{"kafka", host, L3, OK, "Resolved host", ""})
	return true
}

func checkTCP(r *Report, addr string, timeout time.Duration) net.Conn {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		r.add(Row{"kafka", addr, L4, FAIL, fmt.Sprintf("TCP connect failed: %v", err),
			"Broker down, firewall, or wrong port."})
		return nil
	}
	r.add(Row{"kafka", addr, L4, OK, fmt.Sprintf("Connected in %s", time.Since(start).Truncate(time.Millisecond)), ""})
	return conn
}

func checkStore(ctx context.Context, r *Report, driver, path string) {
	store, err := timeline.Open(driver, path)
	if err != nil {
		r.add(Row{"store", path, Store, FAIL, err.Error(), "Check the path is writable and the driver is built in."})
		return
	}
	defer store.Close()
	members, err := store.ListMembers(ctx)
	if err != nil {
		r.add(Row{"store", path, Store, FAIL, fmt.Sprintf("query failed: %v", err), ""})
		return
	}
	chats, err := store.ListChats(ctx)
	if err != nil {
		r.add(Row{"store", path, Store, FAIL, fmt.Sprintf("query failed: %v", err), ""})
		return
	}
	if len(members) == 0 {
		r.add(Row{"store", path, Store, WARN, "No members", "Run 'socmind seed -f society.yaml'."})
		return
	}
	r.add(Row{"store", path, Store, OK, fmt.Sprintf("%d members, %d chats", len(members), len(chats)), ""})
}

func checkGateway(ctx context.Context, r *Report, baseURL string, timeout time.Duration) {
	url := strings.TrimSuffix(baseURL, "/") + "/healthz"
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		r.add(Row{"gateway", baseURL, HTTP, FAIL, err.Error(), ""})
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		r.add(Row{"gateway", baseURL, HTTP, WARN, fmt.Sprintf("unreachable: %v", err), "Start it with 'socmind serve'."})
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.add(Row{"gateway", baseURL, HTTP, FAIL, "healthz returned " + resp.Status, ""})
		return
	}
	r.add(Row{"gateway", baseURL, HTTP, OK, "healthz OK", ""})
}

// Command ctaudit verifies one certificate chain's Certificate
// Transparency evidence against a set of known logs: it validates
// embedded SCT signatures, confirms each SCT's leaf is included in its
// log's current tree, and reports whether the chain meets the minimum
// CT policy.
//
// Grounded on cmd/itko-monitor/main.go's flag-parsing style (flag.String
// everywhere, flag.Usage()+os.Exit(1) on a missing required flag).
package main

import (
	"context"
	x509stdlib "crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	ctx509 "github.com/google/certificate-transparency-go/x509"

	"ctaudit.dev/internal/certchain"
	"ctaudit.dev/internal/config"
	"ctaudit.dev/internal/ctclient"
	"ctaudit.dev/internal/logverifier"
	"ctaudit.dev/internal/scanner"
	"ctaudit.dev/internal/store"
	"ctaudit.dev/internal/tiling"
)

func main() {
	workdir := flag.String("workdir", "", "directory for persisted store state (default: in-memory only)")
	confdir := flag.String("confdir", "", "path to a v3 log-list JSON file")
	file := flag.Bool("file", false, "treat the source argument as a local PEM chain path, not a URL")
	updateSTHs := flag.Bool("update-sths", false, "refresh every registered log's STH before evaluating the chain")
	noCache := flag.Bool("no-cache", false, "accepted but not consulted; requests always go through the request-deduplication layer")
	verbosity := flag.Int("d", 0, "verbosity level; any value above 0 adds microsecond timestamps to log lines")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ctaudit [flags] <source>")
		flag.Usage()
		os.Exit(1)
	}
	source := flag.Arg(0)

	if *confdir == "" {
		fmt.Fprintln(os.Stderr, "Error: -confdir flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	if *verbosity > 0 {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}
	// *noCache is not consulted: every request goes through the ctclient
	// request-deduplication layer.
	_ = *noCache

	ctx := context.Background()

	chain, err := loadChain(ctx, source, *file)
	if err != nil {
		log.Fatalf("ctaudit: load chain: %v", err)
	}

	logListData, err := os.ReadFile(*confdir)
	if err != nil {
		log.Fatalf("ctaudit: read log list: %v", err)
	}
	logs, err := config.LoadLogList(logListData)
	if err != nil {
		log.Fatalf("ctaudit: parse log list: %v", err)
	}

	s := scanner.New(nil)
	if *workdir != "" {
		reports, err := store.NewFsStore(filepath.Join(*workdir, "reports"), store.HashKeyCodec(), marshalReport, unmarshalReport)
		if err != nil {
			log.Fatalf("ctaudit: open report cache under %s: %v", *workdir, err)
		}
		s.SetReportStore(reports)
	}
	now := time.Now()
	for _, l := range logs {
		if !l.IsCurrentlyActive(now) {
			continue
		}
		httpClient := ctclient.NewHTTPClient(normalizeBaseURL(l.BaseURL), nil)
		endpoints := ctclient.NewEndpoints(httpClient)
		var tiles *tiling.NodeStore
		if l.TilingEnabled {
			tiles = tiling.NewNodeStore(httpClient)
		}
		verifier := logverifier.New(logverifier.Log{
			Origin:    checkpointOrigin(l.BaseURL),
			SPKIDER:   l.SPKIDER,
			Endpoints: endpoints,
			Tiles:     tiles,
		})
		if *updateSTHs {
			if _, _, err := verifier.UpdateSTH(ctx); err != nil {
				log.Printf("ctaudit: warning: update sth for %s: %v", l.Description, err)
			}
		}
		rootsDER, err := endpoints.GetRootsV1(ctx)
		var roots scanner.RootsStore
		if err != nil {
			log.Printf("ctaudit: warning: fetch roots for %s: %v", l.Description, err)
		} else {
			roots = scanner.NewRootsStore(rootsDER)
		}
		s.RegisterLog(l.LogID, scanner.ScannerLog{Verifier: verifier, Roots: roots})
	}

	report, err := s.CollectReport(ctx, chain)
	if err != nil {
		log.Fatalf("ctaudit: collect report: %v", err)
	}

	if err := report.EvaluatePolicy(now); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("ctaudit: chain issued by %q meets policy with %d embedded scts\n", report.CAName, len(report.SCTs))
}

// loadChain reads a certificate chain either from a local PEM file
// (when asFile is set) or by fetching the server's TLS certificate
// chain over HTTPS.
func loadChain(ctx context.Context, source string, asFile bool) (*certchain.Chain, error) {
	if asFile {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", source, err)
		}
		return certchain.FromPEM(data)
	}

	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" {
		u = &url.URL{Scheme: "https", Host: source}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", u, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.TLS == nil || len(resp.TLS.PeerCertificates) == 0 {
		return nil, fmt.Errorf("%s did not present a TLS certificate chain", u)
	}
	certs, err := convertCertificates(resp.TLS.PeerCertificates)
	if err != nil {
		return nil, err
	}
	return certchain.FromCertificates(certs)
}

func normalizeBaseURL(base string) string {
	if strings.HasSuffix(base, "/") {
		return base
	}
	return base + "/"
}

func marshalReport(r scanner.SctReport) ([]byte, error) { return json.Marshal(r) }

func unmarshalReport(data []byte) (scanner.SctReport, error) {
	var r scanner.SctReport
	err := json.Unmarshal(data, &r)
	return r, err
}

// checkpointOrigin derives a static-ct-api log's checkpoint origin line
// from its log-list base URL: the submission prefix with the URL
// scheme removed and any trailing slash trimmed. Only consulted for
// tiling-enabled logs, whose UpdateSTH path validates a
// c2sp.org/checkpoint note against this origin.
func checkpointOrigin(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(base, "/")
	}
	return strings.TrimSuffix(u.Host+u.Path, "/")
}

// convertCertificates re-parses stdlib-parsed peer certificates with the
// certificate-transparency-go x509 fork, which exposes the CT-specific
// extension accessors certchain.Chain needs.
func convertCertificates(peers []*x509stdlib.Certificate) ([]*ctx509.Certificate, error) {
	out := make([]*ctx509.Certificate, 0, len(peers))
	for _, p := range peers {
		cert, err := ctx509.ParseCertificate(p.Raw)
		if err != nil {
			return nil, fmt.Errorf("reparse peer certificate: %w", err)
		}
		out = append(out, cert)
	}
	return out, nil
}

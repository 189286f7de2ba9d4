// Package routing renders the reverse-proxy dynamic configuration (Traefik
// file/HTTP provider format) from the current device→port assignments.
//
// The document is polled continuously by the proxy, so it is always
// parseable: when the store cannot be read the generator falls back to the
// empty document instead of failing.
package routing

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/ghodss/yaml"
	"github.com/rs/zerolog"

	"portreg/internal/config"
	"portreg/internal/errdefs"
	"portreg/internal/logger"
	"portreg/internal/metrics"
	"portreg/internal/models"
	"portreg/internal/store"
)

// Format is an output encoding of the routing document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseFormat accepts "", "yaml", "yml" and "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "yaml", "yml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", errdefs.InvalidInput("unknown format %q", s)
	}
}

// ContentType is the media type served for the format.
func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/yaml"
}

//go:embed traefik.yaml.tmpl
var documentTemplate string

var tmpl = template.Must(template.New("traefik").Parse(documentTemplate))

// Options names the proxy-side resources referenced by the document.
type Options struct {
	BackendHost  string
	EntryPoint   string
	CertResolver string
}

// OptionsFromConfig maps proxy configuration.
func OptionsFromConfig(cfg config.ProxyConfig) Options {
	return Options{
		BackendHost:  cfg.BackendHost,
		EntryPoint:   cfg.EntryPoint,
		CertResolver: cfg.CertResolver,
	}
}

func (o Options) withDefaults() Options {
	if o.BackendHost == "" {
		o.BackendHost = "ssh_reverse_proxy"
	}
	if o.EntryPoint == "" {
		o.EntryPoint = "websecure"
	}
	if o.CertResolver == "" {
		o.CertResolver = "myresolver"
	}
	return o
}

// Generator renders routing documents from a store snapshot.
type Generator struct {
	reader  store.Reader
	opts    Options
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates a Generator reading from r.
func New(r store.Reader, opts Options, m *metrics.Metrics, log zerolog.Logger) *Generator {
	return &Generator{
		reader:  r,
		opts:    opts.withDefaults(),
		metrics: m,
		log:     logger.WithComponent(log, "routing"),
	}
}

// entry is one router/service pair.
type entry struct {
	Port    uint16
	Rule    string
	Backend string
}

type document struct {
	EntryPoint   string
	CertResolver string
	HTTP         []entry
	TCP          []entry
	UDP          []entry
}

// Generate renders the YAML document for domain.
func (g *Generator) Generate(ctx context.Context, domain string) ([]byte, error) {
	return g.GenerateFormat(ctx, domain, FormatYAML)
}

// GenerateFormat renders the document for domain in the given format. Only
// an invalid domain or format is an error.
func (g *Generator) GenerateFormat(ctx context.Context, domain string, format Format) ([]byte, error) {
	domain, err := validateDomain(domain)
	if err != nil {
		g.metrics.Render(metrics.RenderInvalid)
		return nil, err
	}
	if format != FormatYAML && format != FormatJSON {
		g.metrics.Render(metrics.RenderInvalid)
		return nil, errdefs.InvalidInput("unknown format %q", format)
	}

	doc := g.emptyDocument()
	outcome := metrics.RenderOK

	snapshot, err := g.reader.ListDeviceAssignments(ctx)
	if err != nil {
		g.log.Error().Err(err).Msg("reading assignments failed, serving empty routing document")
		outcome = metrics.RenderFallback
	} else {
		g.fill(&doc, snapshot, domain)
	}

	out, err := render(doc, format)
	if err != nil {
		g.metrics.Render(metrics.RenderInvalid)
		return nil, errdefs.Internal(err, "render routing document")
	}

	g.metrics.Render(outcome)
	return out, nil
}

func (g *Generator) emptyDocument() document {
	return document{
		EntryPoint:   g.opts.EntryPoint,
		CertResolver: g.opts.CertResolver,
	}
}

func (g *Generator) fill(doc *document, snapshot []models.DeviceAssignments, domain string) {
	devices := make([]models.DeviceAssignments, len(snapshot))
	copy(devices, snapshot)
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].HardwareAddress < devices[j].HardwareAddress
	})

	for _, d := range devices {
		ports := make([]models.Assignment, len(d.Ports))
		copy(ports, d.Ports)
		sort.SliceStable(ports, func(i, j int) bool { return ports[i].Port < ports[j].Port })

		for _, a := range ports {
			bucket, err := a.Protocol.Bucket()
			if err != nil {
				g.log.Warn().
					Err(err).
					Str("address_mac", d.HardwareAddress).
					Uint16("port", a.Port).
					Msg("skipping assignment with unknown protocol")
				continue
			}

			host := hostname(a.Port, d.HardwareAddress, domain)
			switch bucket {
			case models.BucketHTTP:
				scheme := "http"
				if a.Protocol == models.ProtocolHTTPS {
					scheme = "https"
				}
				doc.HTTP = append(doc.HTTP, entry{
					Port:    a.Port,
					Rule:    matcher("Host", host),
					Backend: scheme + "://" + g.backend(a.Port),
				})
			case models.BucketTCP:
				doc.TCP = append(doc.TCP, entry{
					Port:    a.Port,
					Rule:    matcher("HostSNI", host),
					Backend: g.backend(a.Port),
				})
			case models.BucketUDP:
				doc.UDP = append(doc.UDP, entry{
					Port:    a.Port,
					Rule:    matcher("HostSNI", host),
					Backend: g.backend(a.Port),
				})
			}
		}
	}
}

func (g *Generator) backend(port uint16) string {
	return g.opts.BackendHost + ":" + strconv.Itoa(int(port))
}

func hostname(port uint16, mac, domain string) string {
	return fmt.Sprintf("%d.%s.%s", port, mac, domain)
}

// matcher builds a rule such as Host(`8000.aa:bb:cc:dd:ee:ff.example.com`).
func matcher(fn, host string) string {
	return fn + "(`" + host + "`)"
}

func render(doc document, format Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, doc); err != nil {
		return nil, err
	}
	if format == FormatJSON {
		return yaml.YAMLToJSON(buf.Bytes())
	}
	return buf.Bytes(), nil
}

// validateDomain requires a DNS-style suffix; anything else could break out
// of the quoted rule strings.
func validateDomain(domain string) (string, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "", errdefs.InvalidInput("domain suffix is required")
	}
	for _, r := range domain {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
		default:
			return "", errdefs.InvalidInput("domain suffix %q contains %q", domain, r)
		}
	}
	return domain, nil
}

package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_microclimate._tcp"
	mdnsDomain      = "local."
	mdnsFallback    = "microclimate"
)

// startMDNS advertises the HTTP ingestion endpoint so devices on the LAN can
// find the server without configuration. mqttPort is 0 when the broker is off.
func (a *App) startMDNS(httpPort, mqttPort int) error {
	if httpPort <= 0 {
		return fmt.Errorf("invalid port %d", httpPort)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = mdnsFallback
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("Microclimate Telemetry (%s)", hostname))
	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, httpPort, mdnsTXT(hostname, httpPort, mqttPort), nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", httpPort)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func mdnsTXT(hostname string, httpPort, mqttPort int) []string {
	host := sanitizeMDNSHost(hostname)
	if !strings.Contains(host, ".") {
		host += ".local"
	}
	txt := []string{
		fmt.Sprintf("http_port=%d", httpPort),
		"ingest_path=/telemetry",
		"auth_header=X-API-Key",
		"proto=v1",
		fmt.Sprintf("host=%s", host),
	}
	if mqttPort > 0 {
		txt = append(txt, fmt.Sprintf("mqtt_port=%d", mqttPort), "mqtt_topic=telemetry/{device_id}")
	}
	return txt
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(strings.TrimSpace(name))
	if cleaned == "" {
		cleaned = "Microclimate Telemetry"
	}
	return truncateRunes(cleaned, 63)
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(strings.TrimSpace(strings.ToLower(name)))
	if cleaned == "" {
		cleaned = mdnsFallback
	}
	// host labels are at most 63 characters
	return truncateRunes(cleaned, 63)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) > n {
		return string(runes[:n])
	}
	return s
}

package common

import (
	"fmt"
	"net"

	"github.com/panjf2000/gnet/v2"
)

type WebServerConfig struct {
	EnablePprof bool `help:"Enable pprof for the web service" name:"pprof" default:"true"`
}

type MetricsConfig struct {
	EnableMetrics   bool   `help:"Enable metrics collection" name:"enable" default:"false"`
	MetricsPath     string `help:"Metrics path" name:"path" default:"/metrics"`
	MetricsSinkType string `help:"Metrics sink type. support prometheus and in-memory." name:"sink" default:"prometheus"`
}

type ServerConfig struct {
	Port        int             `help:"Port the store listens on" name:"port" default:"6379"`
	ServicePort int             `help:"Port of the http side service" name:"service-port" default:"7080"`
	MultiCore   bool            `help:"Enable multi-core support" default:"true"`
	CoreNum     int             `help:"Number of event loops, 0 picks one per core" default:"0"`
	WebServer   WebServerConfig `embed:"" prefix:"web."`
	Metrics     MetricsConfig   `embed:"" prefix:"metrics."`
}

func (c *ServerConfig) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("invalid port number: %d", c.Port)
	}
	if c.ServicePort < 0 || c.ServicePort == c.Port {
		return fmt.Errorf("invalid service port number: %d", c.ServicePort)
	}
	return nil
}

func (c *ServerConfig) ServiceListener() (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf(":%d", c.ServicePort))
}

func (c *ServerConfig) GNetOptions() []gnet.Option {
	var ops []gnet.Option
	if c.MultiCore {
		ops = append(ops, gnet.WithMulticore(true))
	}
	if c.CoreNum > 0 {
		ops = append(ops, gnet.WithNumEventLoop(c.CoreNum))
	}
	return ops
}

type BenchConfig struct {
	Client      ClientConfig `embed:"" prefix:"client."`
	ConfigFile  string       `help:"YAML file with client options, overrides --client.* flags" name:"config"`
	Concurrency int          `help:"Number of concurrent workers" default:"1"`
	Requests    int          `help:"Total number of GET requests" default:"10000"`
	Key         string       `help:"Key written once and then read" default:"abc"`
	Value       string       `help:"Value written to the key" default:"XXX"`
	Pipeline    int          `help:"In-flight window per worker, 1 disables pipelining" default:"1"`
}

func (c *BenchConfig) Validate() error {
	if c.Concurrency <= 0 {
		return fmt.Errorf("invalid concurrency: %d", c.Concurrency)
	}
	if c.Requests < c.Concurrency {
		return fmt.Errorf("requests (%d) must be at least concurrency (%d)", c.Requests, c.Concurrency)
	}
	if c.Pipeline <= 0 {
		return fmt.Errorf("invalid pipeline window: %d", c.Pipeline)
	}
	return c.Client.Validate()
}

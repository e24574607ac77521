package model

import (
	"fmt"
	"strings"
)

type Cluster struct {
	ID             int    `json:"clusterId"`
	Name           string `json:"clusterName"`
	BrokerHost     string `json:"brokerHost"`
	BrokerPort     int    `json:"brokerPort"`
	BrokerEndpoint string `json:"brokerEndpoint"`
	SSL            bool   `json:"brokerSsl"`
}

// BrokerURL is the query endpoint, e.g. http://host:8082/druid/v2/.
func (c Cluster) BrokerURL() string {
	scheme := "http"
	if c.SSL {
		scheme = "https"
	}
	endpoint := strings.Trim(c.BrokerEndpoint, "/")
	if endpoint == "" {
		endpoint = "druid/v2"
	}
	return fmt.Sprintf("%s://%s:%d/%s/", scheme, c.BrokerHost, c.BrokerPort, endpoint)
}

func (c Cluster) DatasourcesURL() string {
	return c.BrokerURL() + "datasources"
}

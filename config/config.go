package config

import (
    "errors"
    "fmt"
    "io/ioutil"

    "gopkg.in/yaml.v2"

    "github.com/openfleet/fleetd/state"
)

var EInvalidPort = errors.New("The port specified is not valid")
var EInvalidTickInterval = errors.New("The tick interval must be positive")
var ENoNodes = errors.New("The configuration lists no cluster nodes")

type NodeConfig struct {
    Type string `yaml:"type"`
    Index uint16 `yaml:"index"`
    Host string `yaml:"host"`
    Port int `yaml:"port"`
}

func (nodeConfig *NodeConfig) Node() state.Node {
    return state.Node{ Type: state.NodeType(nodeConfig.Type), Index: nodeConfig.Index }
}

func (nodeConfig *NodeConfig) Address() string {
    return fmt.Sprintf("%s:%d", nodeConfig.Host, nodeConfig.Port)
}

type Config struct {
    Host string `yaml:"host"`
    Port int `yaml:"port"`
    LogLevel string `yaml:"logLevel"`
    TickIntervalMillis int `yaml:"tickIntervalMillis"`
    EnableTwoPhaseClusterStateActivation bool `yaml:"enableTwoPhaseClusterStateActivation"`
    StateStoreFile string `yaml:"stateStoreFile"`
    EnableMetrics bool `yaml:"enableMetrics"`
    Nodes []NodeConfig `yaml:"nodes"`
}

func isValidPort(p int) bool {
    return p >= 0 && p < (1 << 16)
}

func (config *Config) LoadFromFile(file string) error {
    rawConfig, err := ioutil.ReadFile(file)

    if err != nil {
        return err
    }

    if err := yaml.Unmarshal(rawConfig, config); err != nil {
        return err
    }

    return config.Validate()
}

func (config *Config) Validate() error {
    if !isValidPort(config.Port) {
        return EInvalidPort
    }

    if config.TickIntervalMillis < 0 {
        return EInvalidTickInterval
    }

    if config.TickIntervalMillis == 0 {
        config.TickIntervalMillis = 1000
    }

    if config.LogLevel == "" {
        config.LogLevel = "info"
    }

    if len(config.Nodes) == 0 {
        return ENoNodes
    }

    for _, nodeConfig := range config.Nodes {
        if !state.NodeType(nodeConfig.Type).IsValid() {
            return fmt.Errorf("Node type %s is not valid", nodeConfig.Type)
        }

        if !isValidPort(nodeConfig.Port) {
            return EInvalidPort
        }
    }

    return nil
}

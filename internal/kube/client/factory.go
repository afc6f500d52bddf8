package client

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
	metricsv1beta1 "k8s.io/metrics/pkg/client/clientset/versioned/typed/metrics/v1beta1"

	"github.com/aaronlmathis/kaptn-relay/internal/version"
)

// ClientMode represents the mode for creating Kubernetes clients
type ClientMode string

const (
	// InClusterMode uses in-cluster configuration (ServiceAccount)
	InClusterMode ClientMode = "incluster"
	// KubeconfigMode uses kubeconfig file
	KubeconfigMode ClientMode = "kubeconfig"
	// AutoMode tries in-cluster configuration first and falls back to kubeconfig
	AutoMode ClientMode = "auto"
)

// Factory creates the core and metrics clients used by the relay
type Factory struct {
	logger        *zap.Logger
	config        *rest.Config
	client        kubernetes.Interface
	metricsClient metricsclient.Interface
}

// NewFactory creates a new client factory
func NewFactory(logger *zap.Logger, mode ClientMode, kubeconfigPath string) (*Factory, error) {
	config, err := buildRESTConfig(logger, mode, kubeconfigPath)
	if err != nil {
		return nil, err
	}
	config.UserAgent = version.Get().UserAgent()

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes clientset: %w", err)
	}

	metricsClientset, err := metricsclient.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics clientset: %w", err)
	}

	logger.Info("Kubernetes client factory created successfully")

	return &Factory{
		logger:        logger,
		config:        config,
		client:        clientset,
		metricsClient: metricsClientset,
	}, nil
}

func buildRESTConfig(logger *zap.Logger, mode ClientMode, kubeconfigPath string) (*rest.Config, error) {
	switch mode {
	case InClusterMode:
		logger.Info("Creating in-cluster Kubernetes client")
		config, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to create in-cluster config: %w", err)
		}
		return config, nil
	case KubeconfigMode:
		logger.Info("Creating kubeconfig-based Kubernetes client", zap.String("kubeconfig", kubeconfigPath))
		config, err := buildKubeconfigFromPath(kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubeconfig-based config: %w", err)
		}
		return config, nil
	case AutoMode:
		if config, err := rest.InClusterConfig(); err == nil {
			logger.Info("Creating in-cluster Kubernetes client")
			return config, nil
		}
		return buildRESTConfig(logger, KubeconfigMode, kubeconfigPath)
	default:
		return nil, fmt.Errorf("unsupported client mode: %s", mode)
	}
}

// Client returns the Kubernetes clientset
func (f *Factory) Client() kubernetes.Interface {
	return f.client
}

// MetricsClient returns the metrics.k8s.io/v1beta1 client
func (f *Factory) MetricsClient() metricsv1beta1.MetricsV1beta1Interface {
	return f.metricsClient.MetricsV1beta1()
}

// RESTConfig returns the underlying REST config
func (f *Factory) RESTConfig() *rest.Config {
	return f.config
}

// buildKubeconfigFromPath builds a kubeconfig from the given path
func buildKubeconfigFromPath(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath == "" {
		// Try default locations
		if kubeconfig := os.Getenv("KUBECONFIG"); kubeconfig != "" {
			kubeconfigPath = kubeconfig
		} else if home := homedir.HomeDir(); home != "" {
			kubeconfigPath = filepath.Join(home, ".kube", "config")
		} else {
			return nil, fmt.Errorf("no kubeconfig path provided and unable to determine default location")
		}
	}

	if _, err := os.Stat(kubeconfigPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("kubeconfig file does not exist: %s", kubeconfigPath)
	}

	config, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build config from kubeconfig %s: %w", kubeconfigPath, err)
	}

	return config, nil
}

// ValidateConnection tests the connection to the Kubernetes API server
func (f *Factory) ValidateConnection() error {
	f.logger.Info("Validating Kubernetes connection")

	serverVersion, err := f.client.Discovery().ServerVersion()
	if err != nil {
		return fmt.Errorf("failed to connect to Kubernetes API: %w", err)
	}

	f.logger.Info("Kubernetes connection validated",
		zap.String("gitVersion", serverVersion.GitVersion),
		zap.String("platform", serverVersion.Platform),
	)

	return nil
}

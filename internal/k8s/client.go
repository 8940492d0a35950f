// Package k8s holds the singleton Kubernetes clientset used by the
// remote-kv SessionStore backend to read and write Lease objects.
package k8s

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

var (
	clientOnce sync.Once
	client     *kubernetes.Clientset
	clientErr  error
	namespace  string

	configuredNamespace  string
	configuredKubeconfig string
)

// Configure sets the namespace and kubeconfig path to use. Call once at
// startup before GetClient or GetNamespace.
func Configure(ns, kubeconfig string) {
	configuredNamespace = ns
	configuredKubeconfig = kubeconfig
}

// GetNamespace returns the namespace to use for Lease objects.
// Priority: configured value > RELAY_STORE_KUBE_NAMESPACE env var >
// in-cluster namespace file > "default".
func GetNamespace() string {
	if namespace != "" {
		return namespace
	}
	if configuredNamespace != "" {
		namespace = configuredNamespace
		return namespace
	}
	if ns := os.Getenv("RELAY_STORE_KUBE_NAMESPACE"); ns != "" {
		namespace = ns
		return namespace
	}
	if data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
		namespace = string(data)
		return namespace
	}
	namespace = "default"
	return namespace
}

// GetClient returns a Kubernetes clientset, initializing it on first call.
// It supports both in-cluster config and a kubeconfig file.
func GetClient() (*kubernetes.Clientset, error) {
	clientOnce.Do(func() {
		config, err := rest.InClusterConfig()
		if err != nil {
			config, err = buildConfigFromKubeconfig()
			if err != nil {
				clientErr = fmt.Errorf("failed to create kubernetes config: %w", err)
				return
			}
		}

		client, clientErr = kubernetes.NewForConfig(config)
		if clientErr != nil {
			clientErr = fmt.Errorf("failed to create kubernetes client: %w", clientErr)
		}
	})

	return client, clientErr
}

// buildConfigFromKubeconfig builds a REST config from a kubeconfig file.
// Priority: configured value > KUBECONFIG env var > ~/.kube/config.
func buildConfigFromKubeconfig() (*rest.Config, error) {
	kubeconfigPath := configuredKubeconfig
	if kubeconfigPath == "" {
		kubeconfigPath = os.Getenv("KUBECONFIG")
	}
	if kubeconfigPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		kubeconfigPath = filepath.Join(homeDir, ".kube", "config")
	}

	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build config from kubeconfig at %s: %w", kubeconfigPath, err)
	}
	return cfg, nil
}

// ResetClient clears the client singleton. Intended for tests.
func ResetClient() {
	clientOnce = sync.Once{}
	client = nil
	clientErr = nil
	namespace = ""
	configuredNamespace = ""
	configuredKubeconfig = ""
}

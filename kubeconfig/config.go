// Package kubeconfig loads cluster connection details from the external
// collaborator: in-cluster service account config when running inside a
// pod, otherwise the user's kubeconfig file (KUBECONFIG or ~/.kube/config).
// It hands the rest of the host an assembled HTTP round tripper and base
// URL, the only two pieces of cluster configuration it needs.
package kubeconfig

import (
	"fmt"
	"net/http"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Load resolves a *rest.Config the same way kubectl and controller-runtime
// do: prefer in-cluster service account config, falling back to the
// kubeconfig file named by KUBECONFIG or the default ~/.kube/config path.
func Load(kubeconfigPath string) (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}

	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfigPath != "" {
		loadingRules.ExplicitPath = kubeconfigPath
	}
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		loadingRules, &clientcmd.ConfigOverrides{},
	).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("kubeconfig: %w", err)
	}
	return cfg, nil
}

// BaseURL returns the cluster API server's base URL, the only piece of cfg
// the HTTP executor and watch multiplexer need beyond the round tripper.
func BaseURL(cfg *rest.Config) string {
	return cfg.Host
}

// RoundTripper builds the http.RoundTripper implied by cfg's CA bundle and
// client auth (bearer token, client cert, or exec plugin). The executor and
// watch multiplexer share this single round tripper, as they share one
// connection pool to the API server.
func RoundTripper(cfg *rest.Config) (http.RoundTripper, error) {
	rt, err := rest.TransportFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubeconfig: building round tripper: %w", err)
	}
	return rt, nil
}

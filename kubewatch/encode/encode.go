// Package encode turns a typed resource descriptor and list parameters
// into the HTTP method and URI the watch multiplexer sends to the API
// server.
//
// A full implementation would resolve kind -> resource through a
// discovery-based RESTMapper (k8s.io/client-go/discovery); this host instead
// uses a heuristic pluralization table the way a number of lightweight
// client-go consumers in the wild do, and documents the simplification
// rather than pulling in discovery's dependency surface for a single
// letter-case transform.
package encode

import (
	"fmt"
	"net/url"
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/wapc/controller-host/abi/wire"
)

// irregularPlurals overrides the naive "add s" pluralization for the small
// set of built-in kinds where it is wrong.
var irregularPlurals = map[string]string{
	"Ingress":               "ingresses",
	"NetworkPolicy":         "networkpolicies",
	"Endpoints":             "endpoints",
	"ResourceQuota":         "resourcequotas",
	"PodSecurityPolicy":     "podsecuritypolicies",
	"PriorityClass":         "priorityclasses",
	"StorageClass":          "storageclasses",
	"CustomResourceDefinition": "customresourcedefinitions",
}

// ResourceName lower-cases and pluralizes a Kind into the path segment the
// Kubernetes API uses for its resource collection.
func ResourceName(kind string) string {
	if plural, ok := irregularPlurals[kind]; ok {
		return plural
	}
	lower := strings.ToLower(kind)
	switch {
	case strings.HasSuffix(lower, "s"):
		return lower + "es"
	case strings.HasSuffix(lower, "y") && len(lower) > 1 && !isVowel(lower[len(lower)-2]):
		return lower[:len(lower)-1] + "ies"
	default:
		return lower + "s"
	}
}

func isVowel(b byte) bool {
	switch b {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	}
	return false
}

// GVR builds the apimachinery GroupVersionResource identifying ref's
// collection.
func GVR(ref wire.ResourceRef) schema.GroupVersionResource {
	return schema.GroupVersionResource{
		Group:    ref.Group,
		Version:  ref.Version,
		Resource: ResourceName(ref.Kind),
	}
}

// basePath returns the API root for a GVR: "/api/v1" for the legacy
// (groupless) API, "/apis/<group>/<version>" otherwise.
func basePath(gvr schema.GroupVersionResource) string {
	if gvr.Group == "" {
		return fmt.Sprintf("/api/%s", gvr.Version)
	}
	return fmt.Sprintf("/apis/%s/%s", gvr.Group, gvr.Version)
}

// ListWatchPath builds the method and path-and-query for listing or
// watching ref, honoring ns (empty means all namespaces) and params.
// watch selects between a one-shot list and a streaming watch request.
func ListWatchPath(ref wire.ResourceRef, ns string, params wire.ListParams, resourceVersion string, watch bool) (method, pathAndQuery string) {
	gvr := GVR(ref)
	base := basePath(gvr)

	var sb strings.Builder
	sb.WriteString(base)
	if ns != "" {
		sb.WriteString("/namespaces/")
		sb.WriteString(ns)
	}
	sb.WriteString("/")
	sb.WriteString(gvr.Resource)

	q := url.Values{}
	if watch {
		q.Set("watch", "true")
	}
	if params.FieldSelector != "" {
		q.Set("fieldSelector", params.FieldSelector)
	}
	if params.LabelSelector != "" {
		q.Set("labelSelector", params.LabelSelector)
	}
	if params.TimeoutSeconds > 0 {
		q.Set("timeoutSeconds", fmt.Sprintf("%d", params.TimeoutSeconds))
	}
	if params.AllowBookmarks {
		q.Set("allowWatchBookmarks", "true")
	}
	if params.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", params.Limit))
	}
	if params.Continue != "" {
		q.Set("continue", params.Continue)
	}
	if resourceVersion != "" {
		q.Set("resourceVersion", resourceVersion)
	}

	if enc := q.Encode(); enc != "" {
		sb.WriteString("?")
		sb.WriteString(enc)
	}
	return "GET", sb.String()
}

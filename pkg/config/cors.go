package config

import (
	"github.com/stratusops/stratus/pkg/engine"
)

// expandCORS generates the OPTIONS preflight resources for a route: a
// method with no authorization, a mock integration answering without a
// backend call, and the method/integration response pair that carries the
// Access-Control-* headers.
func expandCORS(routeID string, policy CORSPolicy) []engine.ResourceNode {
	methodID := routeID + ".options"
	integrationID := routeID + ".options.integration"
	methodResponseID := routeID + ".options.response"
	integrationResponseID := routeID + ".options.integration_response"

	return []engine.ResourceNode{
		{
			ID:   methodID,
			Kind: engine.KindMethod,
			Attributes: engine.Attributes{
				{Key: "http_method", Value: "OPTIONS"},
				{Key: "authorization", Value: "NONE"},
			}.Canonical(),
			DependsOn: []string{routeID},
		},
		{
			ID:   integrationID,
			Kind: engine.KindIntegration,
			Attributes: engine.Attributes{
				{Key: "http_method", Value: "OPTIONS"},
				{Key: "type", Value: "mock"},
				{Key: "request_template", Value: `{"statusCode": 200}`},
			}.Canonical(),
			DependsOn: []string{methodID},
		},
		{
			ID:   methodResponseID,
			Kind: engine.KindMethodResponse,
			Attributes: engine.Attributes{
				{Key: "http_method", Value: "OPTIONS"},
				{Key: "status_code", Value: "200"},
				{Key: "header.access-control-allow-origin", Value: "true"},
				{Key: "header.access-control-allow-methods", Value: "true"},
				{Key: "header.access-control-allow-headers", Value: "true"},
			}.Canonical(),
			DependsOn: []string{methodID},
		},
		{
			ID:   integrationResponseID,
			Kind: engine.KindIntegrationResponse,
			Attributes: engine.Attributes{
				{Key: "http_method", Value: "OPTIONS"},
				{Key: "status_code", Value: "200"},
				{Key: "header.access-control-allow-origin", Value: policy.AllowOrigin},
				{Key: "header.access-control-allow-methods", Value: policy.AllowMethods},
				{Key: "header.access-control-allow-headers", Value: policy.AllowHeaders},
			}.Canonical(),
			DependsOn: []string{integrationID, methodResponseID},
		},
	}
}

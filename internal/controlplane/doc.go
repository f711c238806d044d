// Package controlplane talks to the platform API at base_url.
//
// Client covers the four calls the runtime makes:
//
//	GET  /agents/{name}/deployments/{env}?configuration=true   deployment config
//	GET  /functions?deployment=true                            function listing
//	GET  /agents?deployment=true                               agent listing
//	PUT  /agents/{name}/deployments/{env}/history/{requestId}  history upload
//
// Every call is authenticated by auth.Context, so a refreshed token is picked
// up without rebuilding the client.
//
// Resolver turns configuration plus these listings into the function and
// chain descriptors handed to tools.Generate.
package controlplane

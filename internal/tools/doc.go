// Package tools turns function, kit and agent descriptors into a table of
// callable adapters.
//
// # Generation
//
// Generate is pure: it validates every descriptor, compiles an input schema
// per adapter and indexes the result. No network call happens until an
// adapter is invoked. Malformed descriptors fail generation as a whole.
//
//	plain function  -> beamlit_<slug(name)>        POST {run_url}/{ws}/functions/{name}
//	kit operation   -> beamlit_<slug(op)>          POST {run_url}/{ws}/functions/{parent}
//	chained agent   -> beamlit_chain_<slug(name)>  POST {run_url}/{ws}/agents/{name}
//
// Kit operations carry an implicit name=<operation> discriminator in the
// body unless the operation declares its own "name" parameter.
//
// # Invocation
//
// Adapters are immutable and safe for concurrent use. Each Invoke reads the
// current credential from the auth context, performs exactly one HTTP call
// and returns (result, sideChannel, error). The side channel is always a
// non-nil empty map. Missing or ill-typed arguments fail with ErrValidation
// before any request is made; transport failures and statuses >= 400 fail
// with *InvocationError.
package tools

/*
Package security groups the gatekeeper's access control.

Subpackage auth authenticates gateway clients by API key, mapping each key
to the organization whose buckets and wallet it uses, and guards the admin
wallet API with a throttled bearer key.

	validator := auth.NewAPIKeyValidator(auth.KeysFromConfig(keys))
	middleware := auth.NewAPIKeyMiddleware(validator, sources)

	mux.Handle("/v1/", middleware.Handle(handler))
*/
package security

// Package connector exposes the identity and UX operations of the native host
// as Go methods.
//
// Each method is a thin translation: it builds the payload the host expects,
// issues one call through a Caller (usually a *bridge.Bridge) and unpacks the
// field of the answer it needs. Credentials, presentations and signatures are
// returned as the raw JSON the host produced.
//
// Operations the host reaches through a URL intent carry the calling
// application's DID when an IdentityProvider is configured:
//
//	conn, err := connector.New(b, connector.WithIdentity(connector.StaticIdentity(appDID)))
//	if err != nil {
//	    return err
//	}
//	status, err := conn.UpdateHiveVaultAddress(ctx, "https://hive.example.org", "My vault")
package connector

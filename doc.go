// Package pocketsync is an offline-first client for record-oriented backend
// services.
//
// The client keeps a transparent local mirror of server state in an
// embedded SQLite database, so reads and writes proceed whether or not the
// network is available. Every operation is routed through one of five
// request policies (cacheOnly, networkOnly, cacheFirst, networkFirst,
// cacheAndNetwork); changes captured while offline are tracked as pending
// rows and replayed automatically when connectivity returns.
//
// A minimal session:
//
//	client, err := pocketsync.New(pocketsync.Config{
//	    BaseURL: "https://backend.example.com",
//	    DBPath:  ".pocketsync/cache.db",
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	posts := client.Collection("posts")
//	rec, err := posts.Create(ctx, pocketsync.Record{"title": "Hello"}, nil)
package pocketsync

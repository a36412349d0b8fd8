// Package accountpool maintains a pool of ephemeral external-service
// credentials backed by PostgreSQL. Client sessions borrow credentials,
// use them, and return them, while a background replenisher keeps the pool
// filled and retires credentials whose usage allowance is exhausted.
//
// The pool relies on PostgreSQL's transactional guarantees for exclusive
// leasing: concurrent allocations claim rows with FOR UPDATE SKIP LOCKED,
// so two sessions can never hold the same credential. A LISTEN/NOTIFY
// channel wakes the maintenance loop as soon as an allocation drains the
// pool below its configured minimum.
//
// Setup:
//
//	db, err := pgxpool.New(ctx, databaseURL)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := accountpool.Setup(ctx, db); err != nil {
//		log.Fatal(err)
//	}
//
// Basic usage:
//
//	mgr, err := accountpool.NewManager(accountpool.Config{
//		DB:        db,
//		Registrar: reg,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := mgr.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer mgr.Close()
//
//	res, err := mgr.Allocate(ctx, "", 1)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if res.Success {
//		defer mgr.Release(ctx, res.SessionID)
//		// Use res.Accounts[0].
//	}
package accountpool

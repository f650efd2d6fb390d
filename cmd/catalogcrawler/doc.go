// Command catalogcrawler walks a retailer's paginated product listing,
// enriches every product from its detail payload, upserts one batch per page
// into the catalog table and exports the table as a spreadsheet.
//
// Usage:
//
//	catalogcrawler -config config.yaml -mode crawl
//
// Modes are crawl (default), backfill (re-fetch details for stub rows) and
// export (write the spreadsheet only). Exit status is 0 on success, 1 on a
// fatal error and 2 when the run completed but the export failed.
package main

// Package webhook receives signed push webhooks and starts a pipeline run
// for the pushed branch.
//
// Every endpoint verifies an HMAC-SHA256 signature of the raw request body
// with a pre-shared secret. Failures always answer a generic 403 and never
// say why. Bodies larger than the endpoint limit are rejected with 413.
//
// The branch is read from the JSON body: a "ref" of the form
// "refs/heads/<branch>" (GitHub, GitLab, Gitea) or a plain "branch" field.
// Tag pushes are acknowledged and ignored. A body with neither field starts
// a run on the branch the server resolves itself.
//
//	hooks:
//	  listen: 127.0.0.1:8081
//	  endpoints:
//	    - path: /hooks/github
//	      secret: ${GITHUB_WEBHOOK_SECRET}
//	      signature_header: X-Hub-Signature-256
//	      max_body_size: 1MB
//
// The outbound notification transport signs its bodies with Sign, so one
// gantry can trigger another.
package webhook

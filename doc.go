/*
	Copyright Nettrack Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

/*
Package websrv provides the request-dispatch and session layer of an embeddable web/API server.

Basics

A Server owns a HandlerRegistry and a SessionStore. Embedding applications construct a Server from a
Config, register Handler instances against the registry, and either call Start to run the bundled
net/http transport or drive the transport contract (OnRequest, OnBodyChunk, OnBodyComplete,
OnConnectionClosed) from their own transport.

Handlers are matched by callback, not by a static route table: each Handler decides from the path and
method whether it serves a request, so a single handler can serve an open-ended family of paths such as
/devices/by-mac/{mac}.json. Registration order defines priority - the first accepting handler wins -
so specific handlers are registered before generic fallbacks. A trailing file suffix (.json) selects
the response encoding without participating in the match.

The registry keeps two lists. Handlers registered with Register require a valid login; handlers
registered with RegisterUnauthenticated are reachable pre-login and should be limited to the surfaces a
login flow needs. Authentication is decided entirely inside the dispatch layer - session cookie first,
then basic auth, then the optional loopback allowance - and a handler is never invoked for a request
that fails it.

Endpoint shapes for the common cases are included: FixedEndpoint and GeneratedEndpoint serve
serializable objects at fixed paths, PathEndpoint serves REST-style path families, and PostEndpoint /
PathPostEndpoint consume POST bodies with access to the decoded variable cache. When a request carries
a field-selection spec the installed SummarizeFunc trims served objects before encoding.

Sessions use opaque random tokens with sliding expiry and may be persisted to a small on-disk table so
restarts do not force re-authentication. Alias rewrites, static directory serving, and a suffix-to-MIME
table round out the dispatch path: aliases apply exactly once before matching, dynamic handlers always
take precedence, and static directories are the last resort before a 404.
*/
package websrv

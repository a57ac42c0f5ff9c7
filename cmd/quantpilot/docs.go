package main

// General API documentation for swaggo. Build with -tags swagger to serve it
// under /swagger/.
//
// @title           quantpilot API
// @version         1.0
// @description     Control API of the quantization autopilot: queue, safety state, deployment and human review.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http

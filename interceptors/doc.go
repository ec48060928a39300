/*
Package interceptors wraps event handlers with cross-cutting behaviour.

An Interceptor sees every event before the handler does and may observe or
replace the outcome reported through done:

	handler := interceptors.Chain(orderCreated,
		interceptors.NewLoggingInterceptor(logger),
		interceptors.NewFilteringInterceptor(interceptors.DataHasField("orderId"), logger),
	)
	bus.Subscribe(ctx, "order.created", handler)

Interceptors run in the order given. An interceptor that does not call next
must call done itself, otherwise the delivery is never settled.
*/
package interceptors
